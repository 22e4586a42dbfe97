package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopchat/internal/conversation"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/typing"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The viewer only listens on loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// chatFrame is what the browser sends on the chat socket.
type chatFrame struct {
	Type      string          `json:"type"` // send | typing | read
	Content   string          `json:"content,omitempty"`
	MediaType store.MediaType `json:"media_type,omitempty"`
	MediaURL  string          `json:"media_url,omitempty"`
}

// chatOut is what the server sends back.
type chatOut struct {
	Type    string              `json:"type"` // event | typing | sent | error
	Event   *conversation.Event `json:"event,omitempty"`
	Message *store.Message      `json:"message,omitempty"`
	Typers  []string            `json:"typers,omitempty"`
	Op      string              `json:"op,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// wsWriter serializes writes; gorilla connections allow one writer at a time.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) json(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) binary(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

// GET /api/chat/ws?id=X&group=true — one socket per open conversation.
func registerChatRoutes(mux *http.ServeMux, deps conversation.Deps, opts conversation.Options) {
	handleGet(mux, "/api/chat/ws", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		group, _ := strconv.ParseBool(r.URL.Query().Get("group"))
		ref := conversation.Ref{ID: id, Group: group}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("chat %s: websocket upgrade: %v", id, err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := conversation.Open(ctx, deps, ref, opts)
		if err != nil {
			_ = conn.WriteJSON(chatOut{Type: "error", Op: "open", Error: err.Error()})
			return
		}
		defer ch.Close()
		log.Debugf("chat %s: socket opened", id)

		out := &wsWriter{conn: conn}
		go pumpChat(ctx, out, ch, deps)
		readChat(ctx, out, conn, ch)
		log.Debugf("chat %s: socket closed", id)
	})
}

func pumpChat(ctx context.Context, out *wsWriter, ch *conversation.Channel, deps conversation.Deps) {
	var typers <-chan typing.Update
	if deps.Typing != nil {
		t, cancel := deps.Typing.Subscribe()
		defer cancel()
		typers = t
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch.Events():
			if !ok {
				return
			}
			msg := chatOut{Type: "event", Event: &e}
			if e.Err != nil {
				msg.Error = e.Err.Error()
			}
			if err := out.json(msg); err != nil {
				return
			}
		case u, ok := <-typers:
			if !ok {
				typers = nil
				continue
			}
			if u.ConversationID != ch.Ref().ID {
				continue
			}
			if err := out.json(chatOut{Type: "typing", Typers: u.Typers}); err != nil {
				return
			}
		}
	}
}

func readChat(ctx context.Context, out *wsWriter, conn *websocket.Conn, ch *conversation.Channel) {
	for {
		var f chatFrame
		if err := conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				log.Debugf("chat %s: read: %v", ch.Ref().ID, err)
			}
			return
		}

		switch f.Type {
		case "send":
			m, err := ch.Send(ctx, conversation.Draft{Content: f.Content, MediaType: f.MediaType, MediaURL: f.MediaURL})
			if err != nil {
				_ = out.json(chatOut{Type: "error", Op: "send", Error: err.Error()})
				continue
			}
			_ = out.json(chatOut{Type: "sent", Message: &m})
		case "typing":
			if err := ch.NotifyTyping(ctx); err != nil {
				log.Debugf("chat %s: typing: %v", ch.Ref().ID, err)
			}
		case "read":
			if err := ch.MarkRead(ctx); err != nil {
				_ = out.json(chatOut{Type: "error", Op: "read", Error: err.Error()})
			}
		default:
			_ = out.json(chatOut{Type: "error", Op: f.Type, Error: "unknown frame type"})
		}
	}
}
