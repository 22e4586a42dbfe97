package routes

import (
	"net/http"

	"github.com/petervdpas/goopchat/internal/presence"
)

func registerPresenceRoutes(mux *http.ServeMux, reg *presence.Registry) {
	// GET /api/presence — sorted online user ids
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"online": reg.Snapshot().IDs()})
	})

	// GET /api/presence/events — SSE, current snapshot then one per change
	handleGet(mux, "/api/presence/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := reg.Subscribe()
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				sseSend(w, flusher, "presence", map[string]any{"online": snap.IDs()})
			}
		}
	})
}
