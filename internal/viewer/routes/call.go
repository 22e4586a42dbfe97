package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/goopchat/internal/call"
	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/store"
)

type sessionView struct {
	ID        string         `json:"id"`
	Peer      string         `json:"peer"`
	Kind      media.Kind     `json:"kind"`
	Direction call.Direction `json:"direction"`
	State     call.State     `json:"state"`
	Duration  string         `json:"duration"`
}

func viewOf(s *call.Session) *sessionView {
	if s == nil {
		return nil
	}
	return &sessionView{
		ID:        s.ID(),
		Peer:      s.Peer(),
		Kind:      s.Kind(),
		Direction: s.Direction(),
		State:     s.State(),
		Duration:  call.FormatDuration(s.Duration()),
	}
}

func callStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, call.ErrIllegalTransition), errors.Is(err, call.ErrVideoUnavailable):
		return http.StatusConflict
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func registerCallRoutes(mux *http.ServeMux, m *call.Manager) {
	active := func(w http.ResponseWriter) *call.Session {
		s := m.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
		}
		return s
	}

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
		Kind string `json:"kind"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if req.Kind != "" && !media.Kind(req.Kind).Valid() {
			http.Error(w, "kind must be audio or video", http.StatusBadRequest)
			return
		}
		kind := media.ParseKind(req.Kind)
		s, err := m.Place(r.Context(), req.Peer, kind)
		if err != nil {
			http.Error(w, err.Error(), callStatus(err))
			return
		}
		writeJSON(w, viewOf(s))
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := active(w)
		if s == nil {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.Answer(ctx); err != nil {
			http.Error(w, err.Error(), callStatus(err))
			return
		}
		writeJSON(w, viewOf(s))
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := active(w)
		if s == nil {
			return
		}
		s.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up", "id": s.ID()})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := active(w)
		if s == nil {
			return
		}
		on, err := s.ToggleAudio()
		if err != nil {
			http.Error(w, err.Error(), callStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := active(w)
		if s == nil {
			return
		}
		on, err := s.ToggleVideo()
		if err != nil {
			http.Error(w, err.Error(), callStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	// GET /api/call/state — active session (or null) and finished calls
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		history := m.History()
		if history == nil {
			history = []call.Record{}
		}
		writeJSON(w, map[string]any{
			"active":  viewOf(m.Active()),
			"history": history,
		})
	})

	// GET /api/call/events — SSE: incoming calls and every state change of
	// whichever session is active.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		type incoming struct {
			Session *sessionView   `json:"session"`
			Caller  *store.Profile `json:"caller,omitempty"`
		}
		inCh := make(chan incoming, 4)
		started := make(chan *call.Session, 4)

		stopIncoming := m.OnIncoming(func(ic call.IncomingCall) {
			select {
			case inCh <- incoming{Session: viewOf(ic.Session), Caller: ic.Caller}:
			default:
			}
		})
		defer stopIncoming()
		stopStarted := m.OnSession(func(s *call.Session) {
			select {
			case started <- s:
			default:
			}
		})
		defer stopStarted()

		sseSend(w, flusher, "connected", map[string]string{"status": "ok"})

		var (
			states   <-chan call.State
			unsub    = func() {}
			watching *call.Session
		)
		follow := func(s *call.Session) {
			if s == nil || s == watching {
				return
			}
			unsub()
			watching = s
			states, unsub = s.Subscribe()
		}
		defer func() { unsub() }()
		follow(m.Active())

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ic := <-inCh:
				sseSend(w, flusher, "incoming", ic)
			case s := <-started:
				follow(s)
			case st, ok := <-states:
				if !ok {
					states = nil
					continue
				}
				sseSend(w, flusher, "state", map[string]any{
					"id":       watching.ID(),
					"peer":     watching.Peer(),
					"state":    st,
					"duration": call.FormatDuration(watching.Duration()),
				})
			}
		}
	})

	// GET /api/call/media — WebSocket: live WebM of the remote stream for
	// MSE playback. The first message is the init segment, then clusters.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		s := m.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		webm := s.Media()
		if webm == nil {
			http.Error(w, "call not connected", http.StatusConflict)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("call %s: media websocket upgrade: %v", s.ID(), err)
			return
		}
		defer conn.Close()

		data, cancel := webm.Subscribe()
		defer cancel()

		// Drain control frames; a read error means the browser went away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		out := &wsWriter{conn: conn}
		for {
			select {
			case <-gone:
				return
			case <-s.Done():
				return
			case b, ok := <-data:
				if !ok {
					return
				}
				if err := out.binary(b); err != nil {
					return
				}
			}
		}
	})
}
