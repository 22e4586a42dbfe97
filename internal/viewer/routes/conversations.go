package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/petervdpas/goopchat/internal/conversation"
)

type memberReq struct {
	GroupID        string `json:"group_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

func registerConversationRoutes(mux *http.ServeMux, deps conversation.Deps) {
	st := deps.Store

	// GET /api/conversations — one summary per membership, newest first
	handleGet(mux, "/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		l, err := conversation.OpenList(r.Context(), st, deps.Self)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer l.Close()
		writeJSON(w, map[string]any{"conversations": l.Items()})
	})

	// GET /api/conversations/events — SSE, current list then one per change
	handleGet(mux, "/api/conversations/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		l, err := conversation.OpenList(r.Context(), st, deps.Self)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer l.Close()
		ch, cancel := l.Subscribe()
		defer cancel()

		sseHeaders(w)
		sseSend(w, flusher, "conversations", l.Items())
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case items, ok := <-ch:
				if !ok {
					return
				}
				sseSend(w, flusher, "conversations", items)
			}
		}
	})

	// GET /api/conversations/members?id=X&group=true
	handleGet(mux, "/api/conversations/members", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		group, _ := strconv.ParseBool(r.URL.Query().Get("group"))
		ids, err := conversation.Members(r.Context(), st, conversation.Ref{ID: id, Group: group})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"members": ids})
	})

	// POST /api/groups/members {group_id, user_id, role}
	handlePost(mux, "/api/groups/members", func(w http.ResponseWriter, r *http.Request, req memberReq) {
		if req.GroupID == "" || req.UserID == "" {
			http.Error(w, "group_id and user_id are required", http.StatusBadRequest)
			return
		}
		if req.Role != "" && req.Role != conversation.RoleMember && req.Role != conversation.RoleAdmin {
			http.Error(w, "unknown role", http.StatusBadRequest)
			return
		}
		writeMembership(w, r, func(ctx context.Context) error {
			return conversation.AddMember(ctx, st, req.GroupID, req.UserID, req.Role)
		})
	})

	// POST /api/conversations/participants {conversation_id, user_id}
	handlePost(mux, "/api/conversations/participants", func(w http.ResponseWriter, r *http.Request, req memberReq) {
		if req.ConversationID == "" || req.UserID == "" {
			http.Error(w, "conversation_id and user_id are required", http.StatusBadRequest)
			return
		}
		writeMembership(w, r, func(ctx context.Context) error {
			return conversation.AddParticipant(ctx, st, req.ConversationID, req.UserID)
		})
	})
}

// writeMembership maps a duplicate membership to 409 Conflict.
func writeMembership(w http.ResponseWriter, r *http.Request, add func(context.Context) error) {
	err := add(r.Context())
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"added": true})
	case errors.Is(err, conversation.ErrDuplicateMembership):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
