// Package topic provides named broadcast channels with presence tracking.
//
// A Channel carries two things: fire-and-forget broadcast events that are
// never echoed back to the sender, and a presence table of who is currently
// tracked on the topic. Two hubs implement it: GossipHub over libp2p
// GossipSub, and LocalHub, an in-process bus used by tests and single-node
// setups.
package topic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("topic")

var ErrClosed = errors.New("topic: channel closed")

type Hub interface {
	Join(ctx context.Context, name string, opts JoinOptions) (Channel, error)
}

type JoinOptions struct {
	// PresenceKey groups this member's presences in PresenceState.
	// Empty means a random key.
	PresenceKey string
}

// Presence is one tracked member connection. A key may have several when the
// same user is connected more than once.
type Presence struct {
	Ref  string          `json:"ref"`
	Meta json.RawMessage `json:"meta"`
	// Seen is when the member's last heartbeat arrived.
	Seen time.Time `json:"seen"`
}

type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent is delivered to OnPresence handlers. Join and leave carry the
// presences that changed; every join or leave is followed by a sync, after
// which PresenceState reflects the change.
type PresenceEvent struct {
	Kind      PresenceKind
	Key       string
	Presences []Presence
}

type Channel interface {
	Name() string
	// Send broadcasts payload (JSON-encoded) under event to every other member.
	Send(ctx context.Context, event string, payload any) error
	// On registers fn for broadcasts of event. Handlers run on the channel's
	// delivery goroutine, in arrival order.
	On(event string, fn func(payload json.RawMessage)) (cancel func())
	OnPresence(fn func(PresenceEvent)) (cancel func())
	// Track publishes meta as this member's presence until Untrack or Close.
	Track(ctx context.Context, meta any) error
	Untrack(ctx context.Context) error
	PresenceState() map[string][]Presence
	// Done is closed when the channel stops receiving, either through Close
	// or because the underlying subscription dropped.
	Done() <-chan struct{}
	Close() error
}

// Gossip heartbeat defaults, overridable per hub.
const (
	DefaultHeartbeat = 5 * time.Second
	DefaultTTL       = 20 * time.Second
)
