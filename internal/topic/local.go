package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// LocalHub is a process-local Hub. Members of the same topic name see each
// other's broadcasts and presence immediately.
type LocalHub struct {
	mu     sync.Mutex
	topics map[string]map[*localChannel]struct{}
}

var _ Hub = (*LocalHub)(nil)

func NewLocalHub() *LocalHub {
	return &LocalHub{topics: make(map[string]map[*localChannel]struct{})}
}

func (h *LocalHub) Join(ctx context.Context, name string, opts JoinOptions) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lc := &localChannel{core: newCore(name, opts.PresenceKey), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[name] == nil {
		h.topics[name] = make(map[*localChannel]struct{})
	}
	now := time.Now()
	for other := range h.topics[name] {
		if meta := other.trackedMeta(); meta != nil {
			lc.upsert(other.ref, other.key, meta, now)
		}
	}
	h.topics[name][lc] = struct{}{}
	return lc, nil
}

// Kick drops every subscription of name, as if the connection to the topic
// was lost. Kicked channels report Done and stop receiving.
func (h *LocalHub) Kick(name string) {
	h.mu.Lock()
	members := h.topics[name]
	delete(h.topics, name)
	h.mu.Unlock()

	for lc := range members {
		lc.drop()
	}
}

// Members returns how many live channels are joined to name.
func (h *LocalHub) Members(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[name])
}

// peers returns the other live channels on lc's topic.
func (h *LocalHub) peers(lc *localChannel) []*localChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[lc.name]
	if !ok {
		return nil
	}
	if _, member := set[lc]; !member {
		return nil
	}
	out := make([]*localChannel, 0, len(set))
	for other := range set {
		if other != lc {
			out = append(out, other)
		}
	}
	return out
}

func (h *LocalHub) detach(lc *localChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[lc.name]; ok {
		delete(set, lc)
		if len(set) == 0 {
			delete(h.topics, lc.name)
		}
	}
}

type localChannel struct {
	*core
	hub *LocalHub
}

func (lc *localChannel) live() error {
	if lc.isClosed() {
		return ErrClosed
	}
	select {
	case <-lc.done:
		return fmt.Errorf("%s: %w", lc.name, ErrClosed)
	default:
		return nil
	}
}

func (lc *localChannel) Send(ctx context.Context, event string, payload any) error {
	if err := lc.live(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, other := range lc.hub.peers(lc) {
		other.dispatch(event, b)
	}
	return nil
}

func (lc *localChannel) Track(ctx context.Context, meta any) error {
	if err := lc.live(); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	lc.setTracked(b)
	now := time.Now()
	lc.upsert(lc.ref, lc.key, b, now)
	for _, other := range lc.hub.peers(lc) {
		other.upsert(lc.ref, lc.key, b, now)
	}
	return nil
}

func (lc *localChannel) Untrack(ctx context.Context) error {
	if err := lc.live(); err != nil {
		return err
	}
	lc.untrack()
	return nil
}

func (lc *localChannel) untrack() {
	if lc.trackedMeta() == nil {
		return
	}
	lc.setTracked(nil)
	lc.remove(lc.ref)
	for _, other := range lc.hub.peers(lc) {
		other.remove(lc.ref)
	}
}

func (lc *localChannel) Close() error {
	if !lc.markClosed() {
		return nil
	}
	lc.untrack()
	lc.hub.detach(lc)
	lc.drop()
	lc.box.close()
	return nil
}
