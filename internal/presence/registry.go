// Package presence tracks which users are online on the shared presence
// topic. One Registry is shared by every conversation view in the process.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/topic"
)

var log = logging.Logger("presence")

var ErrAlreadyJoined = errors.New("presence: already joined as a different user")

// Entry is one online user as last reported on the topic.
type Entry struct {
	UserID string `json:"user_id"`
	// OnlineAt is when the user's node joined; LastSeenAt advances with
	// every heartbeat heard from it.
	OnlineAt   time.Time `json:"online_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	PeerID     string    `json:"peer_id,omitempty"`
	Addrs      []string  `json:"addrs,omitempty"`
}

// Snapshot is the full set of online users at one point in time.
type Snapshot map[string]Entry

func (s Snapshot) Has(userID string) bool {
	_, ok := s[userID]
	return ok
}

func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Options struct {
	Topic string
	// PeerID is the local signaling peer, published so others can call us.
	PeerID string
	// Addrs, when set, supplies dialable addresses published with PeerID.
	Addrs func() []string
	// Resubscribe is the delay between attempts to rejoin a dropped topic.
	Resubscribe time.Duration
}

// Registry is the single writer of the online set. Readers query IsOnline or
// Snapshot, or Subscribe to receive a full snapshot on every change.
type Registry struct {
	hub  topic.Hub
	opts Options

	mu        sync.Mutex
	userID    string
	online    Snapshot
	ch        topic.Channel // current subscription, nil while disconnected
	listeners map[uint64]chan Snapshot
	nextID    uint64
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func New(hub topic.Hub, opts Options) *Registry {
	if opts.Topic == "" {
		opts.Topic = proto.PresenceTopic
	}
	if opts.Resubscribe <= 0 {
		opts.Resubscribe = 3 * time.Second
	}
	return &Registry{
		hub:       hub,
		opts:      opts,
		online:    Snapshot{},
		listeners: make(map[uint64]chan Snapshot),
	}
}

// Join starts tracking userID on the presence topic. It returns once the first
// join attempt has been made; failures are retried in the background. Joining
// again with the same user is a no-op.
func (r *Registry) Join(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("presence: empty user id")
	}

	r.mu.Lock()
	if r.cancel != nil {
		cur := r.userID
		r.mu.Unlock()
		if cur == userID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, cur)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.userID = userID
	r.cancel = cancel
	r.stopped = make(chan struct{})
	stopped := r.stopped
	r.mu.Unlock()

	first := make(chan struct{})
	go r.run(loopCtx, userID, first, stopped)

	select {
	case <-first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave stops heartbeating, unsubscribes and clears the online set.
func (r *Registry) Leave() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel = nil
	r.userID = ""
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	r.replace(Snapshot{})
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online.Has(userID)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshSeenLocked()
	return r.copyLocked()
}

// Lookup returns the entry of an online user.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshSeenLocked()
	e, ok := r.online[userID]
	return e, ok
}

// refreshSeenLocked carries heartbeat times into the online set. Heartbeats
// with unchanged metadata do not produce a sync event, so they are read here.
func (r *Registry) refreshSeenLocked() {
	if r.ch == nil {
		return
	}
	for userID, presences := range r.ch.PresenceState() {
		e, ok := r.online[userID]
		if !ok {
			continue
		}
		for _, p := range presences {
			if p.Seen.After(e.LastSeenAt) {
				e.LastSeenAt = p.Seen
			}
		}
		r.online[userID] = e
	}
}

// PeerOf returns the signaling peer id the user's node advertised.
func (r *Registry) PeerOf(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.online[userID]
	if !ok || e.PeerID == "" {
		return "", false
	}
	return e.PeerID, true
}

// Subscribe returns a channel that always holds the latest snapshot. The
// current state is delivered immediately.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = ch
	ch <- r.copyLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) copyLocked() Snapshot {
	cp := make(Snapshot, len(r.online))
	for k, v := range r.online {
		cp[k] = v
	}
	return cp
}

// replace swaps in a new online set and pushes it to every listener,
// replacing any snapshot the listener has not consumed yet.
func (r *Registry) replace(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = s
	metrics.SetPresenceOnline(len(s))
	for _, ch := range r.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r.copyLocked():
		default:
		}
	}
}

func (r *Registry) run(ctx context.Context, userID string, first, stopped chan struct{}) {
	defer close(stopped)
	var firstOnce sync.Once
	signalFirst := func() { firstOnce.Do(func() { close(first) }) }
	defer signalFirst()

	for {
		err := r.session(ctx, userID, signalFirst)
		if ctx.Err() != nil {
			return
		}
		// Keep serving the last known state while we reconnect.
		if err != nil {
			log.Warnf("presence topic %s: %v (retrying in %s)", r.opts.Topic, err, r.opts.Resubscribe)
		} else {
			log.Warnf("presence topic %s dropped (retrying in %s)", r.opts.Topic, r.opts.Resubscribe)
		}
		signalFirst()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.Resubscribe):
		}
	}
}

// session joins the topic once and blocks until it drops or ctx ends.
func (r *Registry) session(ctx context.Context, userID string, joined func()) error {
	ch, err := r.hub.Join(ctx, r.opts.Topic, topic.JoinOptions{PresenceKey: userID})
	if err != nil {
		return err
	}
	defer ch.Close()

	cancelPresence := ch.OnPresence(func(e topic.PresenceEvent) {
		if e.Kind == topic.PresenceSync {
			r.replace(decodeState(ch.PresenceState()))
		}
	})
	defer cancelPresence()

	meta := proto.PresenceMeta{
		OnlineAt: time.Now().UTC().Format(time.RFC3339),
		PeerID:   r.opts.PeerID,
	}
	if r.opts.Addrs != nil {
		meta.Addrs = r.opts.Addrs()
	}
	if err := ch.Track(ctx, meta); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	r.replace(decodeState(ch.PresenceState()))
	r.setChannel(ch)
	defer r.setChannel(nil)
	log.Infof("joined presence topic %s as %s", r.opts.Topic, userID)
	joined()

	select {
	case <-ctx.Done():
		untrackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := ch.Untrack(untrackCtx); err != nil {
			log.Debugf("untrack: %v", err)
		}
		return nil
	case <-ch.Done():
		return nil
	}
}

func (r *Registry) setChannel(ch topic.Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

// decodeState turns the topic's presence table into a snapshot. Entries with
// an unreadable payload still count as online.
func decodeState(state map[string][]topic.Presence) Snapshot {
	out := make(Snapshot, len(state))
	for userID, presences := range state {
		e := Entry{UserID: userID}
		for _, p := range presences {
			if p.Seen.After(e.LastSeenAt) {
				e.LastSeenAt = p.Seen
			}
			var meta proto.PresenceMeta
			if err := json.Unmarshal(p.Meta, &meta); err != nil {
				continue
			}
			if t, err := time.Parse(time.RFC3339, meta.OnlineAt); err == nil && t.After(e.OnlineAt) {
				e.OnlineAt = t
			}
			if meta.PeerID != "" {
				e.PeerID = meta.PeerID
				e.Addrs = meta.Addrs
			}
		}
		out[userID] = e
	}
	return out
}
