// Package viewer is the local HTTP surface: presence, chat sockets, call
// control and the remote call picture, plus logs and metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/call"
	"github.com/petervdpas/goopchat/internal/conversation"
	"github.com/petervdpas/goopchat/internal/presence"
	"github.com/petervdpas/goopchat/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Presence *presence.Registry
	Chat     *conversation.Deps
	ChatOpts conversation.Options
	Calls    *call.Manager
	Logs     *LogBuffer
}

// Handler builds the full route table.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Presence: v.Presence,
		Chat:     v.Chat,
		ChatOpts: v.ChatOpts,
		Calls:    v.Calls,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start listens on addr and serves until ctx is cancelled. It returns once
// the listener is bound; the returned channel yields the serve error.
func Start(ctx context.Context, addr string, v Viewer) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams watch the request context, so they end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("viewer shutdown: %v", err)
		}
	}()

	log.Infof("viewer listening on http://%s", ln.Addr())
	return errc, nil
}
