package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/goopchat/internal/util"
)

const (
	kindBroadcast = "broadcast"
	kindPresence  = "presence"
	kindLeave     = "leave"
)

// envelope is the JSON frame published on every gossip topic.
type envelope struct {
	Kind    string          `json:"kind"`
	Ref     string          `json:"ref"`
	Key     string          `json:"key,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// GossipHub maps topic names onto GossipSub topics. Presence is heartbeat
// based: a member that has not been heard from within the TTL is dropped.
type GossipHub struct {
	ps        *pubsub.PubSub
	heartbeat time.Duration
	ttl       time.Duration

	mu     sync.Mutex
	topics map[string]*sharedTopic
}

type sharedTopic struct {
	t    *pubsub.Topic
	refs int
}

var _ Hub = (*GossipHub)(nil)

func NewGossipHub(ps *pubsub.PubSub, heartbeat, ttl time.Duration) *GossipHub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if ttl <= heartbeat {
		ttl = 4 * heartbeat
	}
	return &GossipHub{
		ps:        ps,
		heartbeat: heartbeat,
		ttl:       ttl,
		topics:    make(map[string]*sharedTopic),
	}
}

func (h *GossipHub) acquire(name string) (*pubsub.Topic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.topics[name]; ok {
		st.refs++
		return st.t, nil
	}
	t, err := h.ps.Join(name)
	if err != nil {
		return nil, err
	}
	h.topics[name] = &sharedTopic{t: t, refs: 1}
	return t, nil
}

// release drops a reference and closes the pubsub topic with the last one.
// A topic that refuses to close stays registered so a later Join reuses it.
func (h *GossipHub) release(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.topics[name]
	if !ok {
		return
	}
	if st.refs > 0 {
		st.refs--
	}
	if st.refs > 0 {
		return
	}
	if err := st.t.Close(); err != nil {
		log.Debugf("%s: close topic: %v", name, err)
		return
	}
	delete(h.topics, name)
}

// joined reports how many topic handles the hub holds open.
func (h *GossipHub) joined() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *GossipHub) Join(ctx context.Context, name string, opts JoinOptions) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := h.acquire(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		h.release(name)
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	gc := &gossipChannel{
		core:   newCore(name, opts.PresenceKey),
		hub:    h,
		topic:  t,
		sub:    sub,
		cancel: cancel,
	}
	go gc.readLoop(loopCtx)
	go gc.heartbeatLoop(loopCtx)

	log.Debugf("%s: joined as %s", name, gc.ref)
	return gc, nil
}

type gossipChannel struct {
	*core
	hub    *GossipHub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

func (gc *gossipChannel) publish(ctx context.Context, env envelope) error {
	env.Ref = gc.ref
	env.TS = time.Now().UnixMilli()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return gc.topic.Publish(ctx, b)
}

func (gc *gossipChannel) live() error {
	if gc.isClosed() {
		return ErrClosed
	}
	select {
	case <-gc.done:
		return fmt.Errorf("%s: %w", gc.name, ErrClosed)
	default:
		return nil
	}
}

func (gc *gossipChannel) Send(ctx context.Context, event string, payload any) error {
	if err := gc.live(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return gc.publish(ctx, envelope{Kind: kindBroadcast, Event: event, Payload: b})
}

func (gc *gossipChannel) Track(ctx context.Context, meta any) error {
	if err := gc.live(); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	gc.setTracked(b)
	gc.upsert(gc.ref, gc.key, b, time.Now())
	return gc.publish(ctx, envelope{Kind: kindPresence, Key: gc.key, Payload: b})
}

func (gc *gossipChannel) Untrack(ctx context.Context) error {
	if err := gc.live(); err != nil {
		return err
	}
	if gc.trackedMeta() == nil {
		return nil
	}
	gc.setTracked(nil)
	gc.remove(gc.ref)
	return gc.publish(ctx, envelope{Kind: kindLeave})
}

func (gc *gossipChannel) Close() error {
	if !gc.markClosed() {
		return nil
	}
	if gc.trackedMeta() != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := gc.publish(ctx, envelope{Kind: kindLeave}); err != nil {
			log.Debugf("%s: publish leave: %v", gc.name, err)
		}
		cancel()
		gc.setTracked(nil)
	}
	gc.cancel()
	gc.sub.Cancel()
	gc.hub.release(gc.name)
	gc.drop()
	gc.box.close()
	return nil
}

func (gc *gossipChannel) readLoop(ctx context.Context) {
	defer gc.drop()
	for {
		m, err := gc.sub.Next(ctx)
		if err != nil {
			if !gc.isClosed() {
				log.Warnf("%s: subscription dropped: %v", gc.name, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Debugf("%s: bad envelope from %s: %v", gc.name, m.ReceivedFrom, err)
			continue
		}
		if env.Ref == "" || env.Ref == gc.ref {
			continue
		}

		switch env.Kind {
		case kindBroadcast:
			gc.dispatch(env.Event, env.Payload)
		case kindPresence:
			if gc.upsert(env.Ref, env.Key, env.Payload, time.Now()) {
				// Answer newcomers right away instead of making them wait a
				// heartbeat for our presence.
				if meta := gc.trackedMeta(); meta != nil {
					_ = gc.publish(ctx, envelope{Kind: kindPresence, Key: gc.key, Payload: meta})
				}
			}
		case kindLeave:
			gc.remove(env.Ref)
		}
	}
}

func (gc *gossipChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(gc.hub.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gc.done:
			return
		case now := <-ticker.C:
			if meta := gc.trackedMeta(); meta != nil {
				gc.upsert(gc.ref, gc.key, meta, now)
				if err := gc.publish(ctx, envelope{Kind: kindPresence, Key: gc.key, Payload: meta}); err != nil {
					log.Debugf("%s: heartbeat: %v", gc.name, err)
				}
			}
			gc.sweep(now.Add(-gc.hub.ttl))
		}
	}
}
