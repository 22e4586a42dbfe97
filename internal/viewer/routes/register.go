package routes

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/call"
	"github.com/petervdpas/goopchat/internal/conversation"
	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/presence"
)

var log = logging.Logger("viewer")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Deps holds everything the HTTP surface talks to. Any nil member leaves
// its routes unregistered.
type Deps struct {
	Presence *presence.Registry
	Chat     *conversation.Deps
	ChatOpts conversation.Options
	Calls    *call.Manager
	Logs     Logs
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Presence != nil {
		registerPresenceRoutes(mux, d.Presence)
	}
	if d.Chat != nil {
		registerChatRoutes(mux, *d.Chat, d.ChatOpts)
		registerConversationRoutes(mux, *d.Chat)
	}
	if d.Calls != nil {
		registerCallRoutes(mux, d.Calls)
	}
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	mux.Handle("/metrics", metrics.Handler())
}
