// Package app wires one chat peer together: store, libp2p node, topics,
// presence, typing, signaling, calls and the local viewer.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/call"
	"github.com/petervdpas/goopchat/internal/config"
	"github.com/petervdpas/goopchat/internal/conversation"
	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/p2p"
	"github.com/petervdpas/goopchat/internal/presence"
	"github.com/petervdpas/goopchat/internal/replica"
	"github.com/petervdpas/goopchat/internal/signaling"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/topic"
	"github.com/petervdpas/goopchat/internal/typing"
	"github.com/petervdpas/goopchat/internal/util"
	"github.com/petervdpas/goopchat/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	cfg.ApplyLogLevels()

	logs := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logs, pipe) }()

	logBanner(opt.PeerDir, opt.CfgPath)
	self := store.Profile{ID: cfg.Profile.UserID, Username: cfg.Profile.Username}

	// ── Store
	db, err := store.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBFile))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := ensureSelf(ctx, db, self); err != nil {
		return err
	}

	// ── P2P node
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
		Relays:     cfg.P2P.Relays,
		AddrTTL:    time.Duration(cfg.Presence.TTLSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer node.Close()
	log.Infof("peer id: %s", node.ID())

	hub := topic.NewGossipHub(node.PubSub,
		time.Duration(cfg.Presence.HeartbeatSec)*time.Second,
		time.Duration(cfg.Presence.TTLSec)*time.Second)

	// ── Replication: every peer holds a full copy of the shared tables.
	rep := replica.New(db, hub, replica.Options{
		Topic:        cfg.Storage.ReplicaTopic,
		Self:         self.ID,
		CatchUpLimit: cfg.Storage.CatchUpLimit,
		Resubscribe:  time.Duration(cfg.Presence.ResubscribeSec) * time.Second,
	})
	if err := rep.Start(ctx); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	defer rep.Close()

	// ── Presence
	reg := presence.New(hub, presence.Options{
		Topic:       cfg.Presence.Topic,
		PeerID:      node.ID(),
		Addrs:       node.WANAddrs,
		Resubscribe: time.Duration(cfg.Presence.ResubscribeSec) * time.Second,
	})
	if err := reg.Join(ctx, self.ID); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}

	// ── Typing
	typers := typing.New(time.Duration(cfg.Chat.TypingExpiryMS) * time.Millisecond)
	defer typers.Close()

	// ── Signaling
	transport := signaling.NewP2PTransport(node.Host, signaling.P2POptions{
		STUNServers: cfg.Call.STUNServers,
		Resolver:    &peerResolver{presence: reg, node: node},
	})
	client := signaling.NewClient(transport)
	defer client.Destroy()
	if _, err := client.Ensure(ctx, self.ID); err != nil {
		// Calls retry the connection when placed.
		log.Warnf("signaling: %v", err)
	}

	// ── Calls
	calls := call.NewManager(client, self.ID, call.ManagerOptions{
		Session: call.Options{
			Acquirer: &media.DeviceAcquirer{
				PreferredCam: cfg.Call.PreferredCam,
				PreferredMic: cfg.Call.PreferredMic,
			},
			PlaceTimeout: time.Duration(cfg.Call.PlaceTimeoutSec) * time.Second,
			StatusLinger: time.Duration(cfg.Call.StatusLingerSec) * time.Second,
		},
		Profiles:    profileLookup(db),
		HistorySize: cfg.Call.HistorySize,
	})
	defer calls.Close()
	// Presence is left first on shutdown.
	defer reg.Leave()
	calls.OnIncoming(func(ic call.IncomingCall) {
		name := ic.Session.Peer()
		if ic.Caller != nil {
			name = ic.Caller.Username
		}
		log.Infof("incoming %s call from %s", ic.Session.Kind(), name)
	})

	// ── Viewer
	viewCtx, stopViewer := context.WithCancel(ctx)
	defer stopViewer()
	var viewErr <-chan error
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		viewErr, err = viewer.Start(viewCtx, addr, viewer.Viewer{
			Presence: reg,
			Chat: &conversation.Deps{
				Store:  db,
				Hub:    hub,
				Typing: typers,
				Self:   self,
			},
			ChatOpts: conversation.Options{
				MarkReadOnOpen: cfg.Chat.MarkReadOnOpen,
				TypingThrottle: time.Duration(cfg.Chat.TypingThrottleMS) * time.Millisecond,
			},
			Calls: calls,
			Logs:  logs,
		})
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		log.Infof("viewer: %s", url)
	}

	// ── Config reload: log levels apply live, the rest on restart.
	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			next.ApplyLogLevels()
			log.Infof("config reloaded; log level %s", next.Log.Level)
		}); err != nil {
			log.Warnf("config watch: %v", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-viewErr:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
	}
	log.Infof("shutting down")
	return nil
}

// ensureSelf makes sure the local user has a row, so messages it sends
// resolve to a profile.
func ensureSelf(ctx context.Context, db store.Store, self store.Profile) error {
	_, err := db.Insert(ctx, store.TableUsers, store.Row{"id": self.ID, "username": self.Username})
	if err == nil || errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return fmt.Errorf("register local user: %w", err)
}

func profileLookup(db store.Store) call.ProfileLookup {
	return func(ctx context.Context, userID string) (*store.Profile, error) {
		row, err := db.Single(ctx, store.Query{
			Table: store.TableUsers,
			Where: []store.Filter{store.Eq("id", userID)},
		})
		if err != nil {
			return nil, err
		}
		p := store.ProfileFromRow(row)
		return &p, nil
	}
}

// peerResolver maps a user to the node it announced on presence and primes
// the peerstore with that node's addresses before signaling dials it.
type peerResolver struct {
	presence *presence.Registry
	node     *p2p.Node
}

func (r *peerResolver) PeerOf(userID string) (string, bool) {
	e, ok := r.presence.Lookup(userID)
	if !ok || e.PeerID == "" {
		return "", false
	}
	r.node.AddPeerAddrs(e.PeerID, e.Addrs)
	return e.PeerID, true
}

func logBanner(peerDir, cfgPath string) {
	host, _ := os.Hostname()
	log.Infof("────────────────────────────────────────")
	log.Infof(" goopchat peer on %s", host)
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof("────────────────────────────────────────")
}
