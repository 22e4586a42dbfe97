// Package typing aggregates ephemeral "is typing" pings per conversation.
package typing

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("typing")

const (
	DefaultExpiry   = 3500 * time.Millisecond
	DefaultThrottle = 2 * time.Second
)

// Update is published whenever the set of typers of a conversation changes.
// Refreshing an existing typer does not publish.
type Update struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Removed        bool     `json:"removed"`
	Typers         []string `json:"typers"` // display names, first ping first
}

type entry struct {
	name  string
	timer *time.Timer
	gen   uint64
}

type conversation struct {
	order   []string // user ids
	entries map[string]*entry
}

// Aggregator keeps at most one live entry per (conversation, user). Each entry
// owns one timer; a later ping restarts it instead of adding another.
//
// The number of tracked typists is not capped.
type Aggregator struct {
	expiry time.Duration

	mu    sync.Mutex
	convs map[string]*conversation
	// holds counts open views per conversation; see Retain.
	holds     map[string]int
	gen       uint64 // shared by all entries so a recreated entry never reuses one
	listeners map[uint64]chan Update
	nextID    uint64
	closed    bool
}

func New(expiry time.Duration) *Aggregator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Aggregator{
		expiry:    expiry,
		convs:     make(map[string]*conversation),
		holds:     make(map[string]int),
		listeners: make(map[uint64]chan Update),
	}
}

// OnPing records or refreshes userID as typing in conversationID.
func (a *Aggregator) OnPing(conversationID, userID, displayName string) {
	if conversationID == "" || userID == "" {
		return
	}
	if displayName == "" {
		displayName = userID
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	c := a.convs[conversationID]
	if c == nil {
		c = &conversation{entries: make(map[string]*entry)}
		a.convs[conversationID] = c
	}

	if e, ok := c.entries[userID]; ok {
		e.timer.Stop()
		a.gen++
		e.gen = a.gen
		gen := e.gen
		e.timer = time.AfterFunc(a.expiry, func() { a.expire(conversationID, userID, gen) })
		if e.name != displayName {
			e.name = displayName
			a.notifyLocked(conversationID, userID, false)
		}
		return
	}

	a.gen++
	gen := a.gen
	e := &entry{name: displayName, gen: gen}
	e.timer = time.AfterFunc(a.expiry, func() { a.expire(conversationID, userID, gen) })
	c.entries[userID] = e
	c.order = append(c.order, userID)
	log.Debugf("%s: %s started typing", conversationID, userID)
	a.notifyLocked(conversationID, userID, false)
}

// expire removes the entry if gen still matches, so a timer that fired while
// a refresh or a drop was taking the lock does nothing.
func (a *Aggregator) expire(conversationID, userID string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	c := a.convs[conversationID]
	if c == nil {
		return
	}
	e, ok := c.entries[userID]
	if !ok || e.gen != gen {
		return
	}

	delete(c.entries, userID)
	for i, id := range c.order {
		if id == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if len(c.entries) == 0 {
		delete(a.convs, conversationID)
	}
	log.Debugf("%s: %s stopped typing", conversationID, userID)
	a.notifyLocked(conversationID, userID, true)
}

// ActiveTypers returns the display names of users currently typing in
// conversationID, in the order they started.
func (a *Aggregator) ActiveTypers(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.namesLocked(conversationID)
}

func (a *Aggregator) namesLocked(conversationID string) []string {
	c := a.convs[conversationID]
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.order))
	for _, id := range c.order {
		names = append(names, c.entries[id].name)
	}
	return names
}

// Retain registers one open view of conversationID. The conversation's
// typers are dropped when the last view calls release.
func (a *Aggregator) Retain(conversationID string) (release func()) {
	a.mu.Lock()
	a.holds[conversationID]++
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.holds[conversationID]--
			if a.holds[conversationID] > 0 {
				return
			}
			delete(a.holds, conversationID)
			a.dropLocked(conversationID)
		})
	}
}

// DropConversation cancels every pending timer of conversationID without
// publishing removals.
func (a *Aggregator) DropConversation(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked(conversationID)
}

func (a *Aggregator) dropLocked(conversationID string) {
	c := a.convs[conversationID]
	if c == nil {
		return
	}
	for _, e := range c.entries {
		e.timer.Stop()
	}
	delete(a.convs, conversationID)
}

// Subscribe returns a channel of typer-set changes across all conversations.
func (a *Aggregator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	if a.closed {
		close(ch)
	} else {
		a.listeners[id] = ch
	}
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if l, ok := a.listeners[id]; ok {
			delete(a.listeners, id)
			close(l)
		}
	}
}

func (a *Aggregator) notifyLocked(conversationID, userID string, removed bool) {
	u := Update{
		ConversationID: conversationID,
		UserID:         userID,
		Removed:        removed,
		Typers:         a.namesLocked(conversationID),
	}
	for _, ch := range a.listeners {
		select {
		case ch <- u:
		default:
			log.Debugf("%s: slow typing subscriber, update dropped", conversationID)
		}
	}
}

// Close stops every timer and closes all subscriber channels.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for _, c := range a.convs {
		for _, e := range c.entries {
			e.timer.Stop()
		}
	}
	a.convs = make(map[string]*conversation)
	for id, ch := range a.listeners {
		close(ch)
		delete(a.listeners, id)
	}
}
