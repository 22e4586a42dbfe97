package topic

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type member struct {
	key  string
	meta json.RawMessage
	seen time.Time
}

// core holds the state shared by both hub implementations: handler lists,
// the presence table and the delivery goroutine.
type core struct {
	name string
	key  string
	ref  string

	mu       sync.Mutex
	handlers map[string]map[uint64]func(json.RawMessage)
	presence map[uint64]func(PresenceEvent)
	nextID   uint64
	members  map[string]member // by ref
	tracked  bool
	meta     json.RawMessage
	closed   bool

	box      *mailbox
	done     chan struct{}
	doneOnce sync.Once
}

func newCore(name, key string) *core {
	if key == "" {
		key = uuid.NewString()
	}
	return &core{
		name:     name,
		key:      key,
		ref:      uuid.NewString(),
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
		presence: make(map[uint64]func(PresenceEvent)),
		members:  make(map[string]member),
		box:      newMailbox(),
		done:     make(chan struct{}),
	}
}

func (c *core) Name() string { return c.name }

func (c *core) Done() <-chan struct{} { return c.done }

func (c *core) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[event][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

func (c *core) OnPresence(fn func(PresenceEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.presence[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.presence, id)
		c.mu.Unlock()
	}
}

func (c *core) PresenceState() map[string][]Presence {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]Presence)
	for ref, m := range c.members {
		out[m.key] = append(out[m.key], Presence{Ref: ref, Meta: m.meta, Seen: m.seen})
	}
	for _, ps := range out {
		sort.Slice(ps, func(i, j int) bool { return ps[i].Ref < ps[j].Ref })
	}
	return out
}

// dispatch queues a broadcast for the handlers registered at delivery time.
func (c *core) dispatch(event string, payload json.RawMessage) {
	c.box.post(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		fns := make([]func(json.RawMessage), 0, len(c.handlers[event]))
		for _, id := range sortedKeys(c.handlers[event]) {
			fns = append(fns, c.handlers[event][id])
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(payload)
		}
	})
}

func (c *core) emitPresence(evts ...PresenceEvent) {
	c.box.post(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		fns := make([]func(PresenceEvent), 0, len(c.presence))
		for _, id := range sortedKeys(c.presence) {
			fns = append(fns, c.presence[id])
		}
		c.mu.Unlock()

		for _, e := range evts {
			for _, fn := range fns {
				fn(e)
			}
		}
	})
}

// upsert records a heartbeat from ref. It reports whether ref was new.
func (c *core) upsert(ref, key string, meta json.RawMessage, now time.Time) bool {
	c.mu.Lock()
	old, existed := c.members[ref]
	c.members[ref] = member{key: key, meta: meta, seen: now}
	c.mu.Unlock()

	switch {
	case !existed:
		c.emitPresence(
			PresenceEvent{Kind: PresenceJoin, Key: key, Presences: []Presence{{Ref: ref, Meta: meta, Seen: now}}},
			PresenceEvent{Kind: PresenceSync},
		)
	case string(old.meta) != string(meta):
		c.emitPresence(PresenceEvent{Kind: PresenceSync})
	}
	return !existed
}

func (c *core) remove(ref string) bool {
	c.mu.Lock()
	m, ok := c.members[ref]
	delete(c.members, ref)
	c.mu.Unlock()

	if ok {
		c.emitPresence(
			PresenceEvent{Kind: PresenceLeave, Key: m.key, Presences: []Presence{{Ref: ref, Meta: m.meta, Seen: m.seen}}},
			PresenceEvent{Kind: PresenceSync},
		)
	}
	return ok
}

// sweep drops remote members whose last heartbeat is older than cutoff.
func (c *core) sweep(cutoff time.Time) {
	c.mu.Lock()
	var stale []string
	for ref, m := range c.members {
		if ref != c.ref && m.seen.Before(cutoff) {
			stale = append(stale, ref)
		}
	}
	c.mu.Unlock()

	sort.Strings(stale)
	for _, ref := range stale {
		log.Debugf("%s: presence %s expired", c.name, ref)
		c.remove(ref)
	}
}

func (c *core) setTracked(meta json.RawMessage) {
	c.mu.Lock()
	c.tracked = meta != nil
	c.meta = meta
	c.mu.Unlock()
}

// trackedMeta returns the local presence payload, nil when not tracked.
func (c *core) trackedMeta() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tracked {
		return nil
	}
	return c.meta
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed reports whether this call performed the close.
func (c *core) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// drop signals Done. Safe to call more than once.
func (c *core) drop() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// mailbox runs posted functions one at a time, in order, on its own
// goroutine. Posting never blocks.
type mailbox struct {
	mu   sync.Mutex
	q    []func()
	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.q = append(m.q, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.q) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.q[0]
			m.q = m.q[1:]
			m.mu.Unlock()
			fn()
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.quit) })
}
