// Package conversation presents one conversation as a single ordered event
// stream: the initial backfill first, then live inserts and read-state
// updates from the store's change feed. Typing pings travel on a separate
// broadcast topic and feed the typing aggregator.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/topic"
	"github.com/petervdpas/goopchat/internal/typing"
)

var log = logging.Logger("sync")

type Deps struct {
	Store store.Store
	// Hub and Typing are optional; without them typing is disabled.
	Hub    topic.Hub
	Typing *typing.Aggregator
	Self   store.Profile
}

type Options struct {
	// MarkReadOnOpen marks everything unread from others as read once the
	// backfill completes.
	MarkReadOnOpen bool
	TypingThrottle time.Duration
}

// Channel is an open conversation. Events are delivered on Events in the order
// the store assigned; the channel is closed by Close.
type Channel struct {
	deps Deps
	ref  Ref
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	backfilling bool
	// needsBackfill is set after a failed backfill; the next live event
	// triggers another attempt.
	needsBackfill bool
	retryMarkRead bool
	pending       []store.Change
	cache         []*store.Message
	index         map[string]*store.Message
	profiles      map[string]*store.Profile

	queue    []Event
	wake     chan struct{}
	events   chan Event
	pumpDone chan struct{}

	cancelFeed    func()
	topicCh       topic.Channel
	cancelTyping  func()
	releaseTyping func()
	throttle      *typing.Throttle
}

// Open subscribes to the conversation and performs the backfill. A failed
// backfill does not fail Open: the channel reports SyncFailed and retries on
// the next live event.
func Open(ctx context.Context, deps Deps, ref Ref, opts Options) (*Channel, error) {
	if deps.Store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if strings.TrimSpace(ref.ID) == "" {
		return nil, errors.New("conversation: empty id")
	}
	if deps.Self.ID == "" {
		return nil, errors.New("conversation: local user is required")
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		deps:        deps,
		ref:         ref,
		opts:        opts,
		ctx:         cctx,
		cancel:      cancel,
		backfilling: true,
		index:       make(map[string]*store.Message),
		profiles:    make(map[string]*store.Profile),
		wake:        make(chan struct{}, 1),
		events:      make(chan Event),
		pumpDone:    make(chan struct{}),
		throttle:    typing.NewThrottle(opts.TypingThrottle),
	}

	// Subscribe before reading so nothing committed during the backfill is
	// missed; such changes wait in pending.
	c.cancelFeed = deps.Store.Subscribe(store.TableMessages, store.Eq(ref.column(), ref.ID), c.onChange)

	if deps.Typing != nil {
		c.releaseTyping = deps.Typing.Retain(ref.ID)
	}
	if deps.Hub != nil {
		tc, err := deps.Hub.Join(ctx, ref.Topic(), topic.JoinOptions{PresenceKey: deps.Self.ID})
		if err != nil {
			log.Warnf("%s: typing disabled: %v", ref.Topic(), err)
		} else {
			c.topicCh = tc
			c.cancelTyping = tc.On(proto.EventTyping, c.onTyping)
		}
	}

	go c.pump()

	if err := c.backfill(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return c, nil
	}
	if opts.MarkReadOnOpen {
		if err := c.MarkRead(ctx); err != nil {
			log.Warnf("%s: mark read on open: %v", ref.Topic(), err)
		}
	}
	return c, nil
}

func (c *Channel) Ref() Ref { return c.ref }

// Events returns the ordered event stream. It is closed after Close.
func (c *Channel) Events() <-chan Event { return c.events }

// Messages returns the cached messages in store order.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.cache))
	for _, m := range c.cache {
		out = append(out, Message{Message: *m, Sender: c.profiles[m.SenderID]})
	}
	return out
}

// backfill reads the conversation and then releases whatever the feed
// delivered meanwhile. c.backfilling must already be set.
func (c *Channel) backfill(ctx context.Context) error {
	rows, err := c.deps.Store.Select(ctx, store.Query{
		Table: store.TableMessages,
		Where: []store.Filter{store.Eq(c.ref.column(), c.ref.ID)},
		Order: []store.Order{store.Asc("created_at")},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.backfilling = false
		c.needsBackfill = true
		c.pending = nil
		c.failLocked(fmt.Errorf("backfill %s: %w", c.ref.Topic(), err))
		return err
	}

	for _, r := range rows {
		m, err := store.MessageFromRow(r)
		if err != nil {
			log.Warnf("%s: skipping row: %v", c.ref.Topic(), err)
			continue
		}
		c.appendLocked(m)
	}
	pending := c.pending
	c.pending = nil
	for _, ch := range pending {
		c.applyLocked(ch)
	}
	c.backfilling = false
	log.Debugf("%s: backfilled %d messages, %d live during backfill", c.ref.Topic(), len(rows), len(pending))
	return nil
}

// onChange runs on the store's feed goroutine.
func (c *Channel) onChange(ch store.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.backfilling {
		c.pending = append(c.pending, ch)
		return
	}
	if c.needsBackfill {
		c.needsBackfill = false
		c.backfilling = true
		c.pending = append(c.pending, ch)
		go c.retryBackfill()
		return
	}

	c.applyLocked(ch)
	if c.retryMarkRead {
		c.retryMarkRead = false
		go c.markReadAsync()
	}
}

func (c *Channel) retryBackfill() {
	log.Infof("%s: retrying backfill", c.ref.Topic())
	if err := c.backfill(c.ctx); err != nil {
		return
	}
	c.mu.Lock()
	again := c.retryMarkRead || c.opts.MarkReadOnOpen
	c.retryMarkRead = false
	c.mu.Unlock()
	if again {
		c.markReadAsync()
	}
}

func (c *Channel) markReadAsync() {
	if err := c.MarkRead(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
		log.Warnf("%s: mark read: %v", c.ref.Topic(), err)
	}
}

func (c *Channel) applyLocked(ch store.Change) {
	m, err := store.MessageFromRow(ch.Row)
	if err != nil {
		log.Warnf("%s: bad change: %v", c.ref.Topic(), err)
		return
	}
	switch ch.Event {
	case store.EventInsert:
		c.appendLocked(m)
	case store.EventUpdate:
		c.patchLocked(m.ID, m.IsRead)
	}
}

// appendLocked adds m to the cache unless its id is already known.
func (c *Channel) appendLocked(m store.Message) {
	if _, dup := c.index[m.ID]; dup {
		return
	}
	mp := &m
	c.index[m.ID] = mp

	n := len(c.cache)
	if n > 0 && c.cache[n-1].CreatedAt > m.CreatedAt {
		// Older than the tail: keep the cache sorted.
		i := sort.Search(n, func(i int) bool { return c.cache[i].CreatedAt > m.CreatedAt })
		c.cache = append(c.cache, nil)
		copy(c.cache[i+1:], c.cache[i:])
		c.cache[i] = mp
		log.Warnf("%s: message %s arrived out of order", c.ref.Topic(), m.ID)
	} else {
		c.cache = append(c.cache, mp)
	}

	cp := m
	c.enqueueLocked(Event{Kind: MessageAppended, Message: &Message{Message: cp}})
}

// patchLocked applies a read-state change. isRead never goes back to false.
func (c *Channel) patchLocked(id string, isRead bool) {
	m, ok := c.index[id]
	if !ok || m.IsRead || !isRead {
		return
	}
	m.IsRead = true
	c.enqueueLocked(Event{Kind: MessageUpdated, ID: id, Patch: &Patch{IsRead: true}})
}

func (c *Channel) failLocked(err error) {
	metrics.IncSyncReadFailure()
	log.Warnf("%s: %v", c.ref.Topic(), err)
	c.enqueueLocked(Event{Kind: SyncFailed, Err: err})
}

func (c *Channel) enqueueLocked(e Event) {
	c.queue = append(c.queue, e)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump hands queued events to the consumer one at a time, resolving sender
// profiles on the way. It never holds c.mu while blocked on the consumer.
func (c *Channel) pump() {
	defer close(c.pumpDone)
	defer close(c.events)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if e.Kind == MessageAppended {
			e.Message.Sender = c.profile(e.Message.SenderID)
		}

		select {
		case c.events <- e:
			metrics.IncSyncEvent(string(e.Kind))
		case <-c.ctx.Done():
			return
		}
	}
}

// profile resolves a sender, caching hits. Lookup failures yield nil.
func (c *Channel) profile(userID string) *store.Profile {
	c.mu.Lock()
	p, ok := c.profiles[userID]
	c.mu.Unlock()
	if ok {
		return p
	}

	row, err := c.deps.Store.Single(c.ctx, store.Query{
		Table: store.TableUsers,
		Where: []store.Filter{store.Eq("id", userID)},
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && c.ctx.Err() == nil {
			log.Debugf("%s: sender %s: %v", c.ref.Topic(), userID, err)
		}
		return nil
	}
	prof := store.ProfileFromRow(row)

	c.mu.Lock()
	c.profiles[userID] = &prof
	c.mu.Unlock()
	return &prof
}

// MarkRead marks every unread message from other users as read with one bulk
// update. It skips the store when the cache holds nothing unread from others.
func (c *Channel) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.backfilling || c.needsBackfill {
		c.retryMarkRead = true
		c.mu.Unlock()
		return nil
	}
	unread := false
	for _, m := range c.cache {
		if !m.IsRead && m.SenderID != c.deps.Self.ID {
			unread = true
			break
		}
	}
	c.mu.Unlock()
	if !unread {
		return nil
	}

	rows, err := c.deps.Store.Update(ctx, store.TableMessages, []store.Filter{
		store.Eq(c.ref.column(), c.ref.ID),
		store.Neq("sender_id", c.deps.Self.ID),
		store.Eq("is_read", false),
	}, store.Row{"is_read": true})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.retryMarkRead = true
		err = fmt.Errorf("mark read %s: %w", c.ref.Topic(), err)
		c.failLocked(err)
		return err
	}
	// Apply now so a second call sees nothing unread; the feed echo of the
	// same rows is then a no-op.
	for _, r := range rows {
		c.patchLocked(r.Text("id"), r.Bool("is_read"))
	}
	log.Debugf("%s: marked %d read", c.ref.Topic(), len(rows))
	return nil
}

// Send stores a new message from the local user. The message reaches Events
// through the change feed like any other.
func (c *Channel) Send(ctx context.Context, d Draft) (store.Message, error) {
	if c.isClosed() {
		return store.Message{}, ErrClosed
	}
	if d.MediaType == "" {
		d.MediaType = store.MediaText
	}
	if !d.MediaType.Valid() {
		return store.Message{}, fmt.Errorf("conversation: invalid media type %q", d.MediaType)
	}
	if d.MediaType == store.MediaText && strings.TrimSpace(d.Content) == "" {
		return store.Message{}, ErrEmptyMessage
	}
	if d.MediaType != store.MediaText && d.MediaURL == "" {
		return store.Message{}, fmt.Errorf("conversation: %s message without media url", d.MediaType)
	}

	row := store.Row{
		c.ref.column(): c.ref.ID,
		"sender_id":    c.deps.Self.ID,
		"content":      d.Content,
		"media_type":   string(d.MediaType),
	}
	if d.MediaURL != "" {
		row["media_url"] = d.MediaURL
	}

	rows, err := c.deps.Store.Insert(ctx, store.TableMessages, row)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.failLocked(fmt.Errorf("send %s: %w", c.ref.Topic(), err))
		}
		c.mu.Unlock()
		return store.Message{}, err
	}
	c.throttle.Reset()
	return store.MessageFromRow(rows[0])
}

// NotifyTyping broadcasts a typing ping, at most once per throttle interval.
func (c *Channel) NotifyTyping(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.topicCh == nil || !c.throttle.Allow() {
		return nil
	}
	err := c.topicCh.Send(ctx, proto.EventTyping, proto.TypingPayload{
		UserID:   c.deps.Self.ID,
		Username: c.deps.Self.Username,
	})
	if err != nil {
		return fmt.Errorf("typing %s: %w", c.ref.Topic(), err)
	}
	metrics.IncTypingPing("sent")
	return nil
}

func (c *Channel) onTyping(payload json.RawMessage) {
	var p proto.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Debugf("%s: bad typing payload: %v", c.ref.Topic(), err)
		return
	}
	if p.UserID == "" || p.UserID == c.deps.Self.ID || c.deps.Typing == nil || c.isClosed() {
		return
	}
	metrics.IncTypingPing("received")
	c.deps.Typing.OnPing(c.ref.ID, p.UserID, p.Username)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close detaches every listener, releases the conversation's typing entries
// (dropped once no other view holds them) and closes Events. Results of reads still in flight are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.pending = nil
	c.mu.Unlock()

	c.cancelFeed()
	if c.cancelTyping != nil {
		c.cancelTyping()
	}
	if c.topicCh != nil {
		_ = c.topicCh.Close()
	}
	if c.releaseTyping != nil {
		c.releaseTyping()
	}
	c.cancel()
	<-c.pumpDone
	return nil
}
