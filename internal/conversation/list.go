package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/goopchat/internal/store"
)

// Summary is one entry of the conversation list: the newest message and
// whether anything from someone else is still unread.
type Summary struct {
	Ref    Ref      `json:"ref"`
	Last   *Message `json:"last,omitempty"`
	Unread bool     `json:"unread"`
}

// List keeps the summaries of every conversation and group Self belongs to,
// recomputed whenever messages or memberships change.
type List struct {
	st   store.Store
	self store.Profile

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	detach []func()

	mu     sync.Mutex
	items  []Summary
	nextID int
	subs   map[int]chan []Summary
	closed bool
}

// OpenList loads the list once and keeps it live until Close.
func OpenList(ctx context.Context, st store.Store, self store.Profile) (*List, error) {
	lctx, cancel := context.WithCancel(context.Background())
	l := &List{
		st:     st,
		self:   self,
		ctx:    lctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		subs:   make(map[int]chan []Summary),
	}
	poke := func(store.Change) { l.poke() }
	l.detach = []func(){
		st.Subscribe(store.TableMessages, store.Filter{}, poke),
		st.Subscribe(store.TableParticipants, store.Eq("user_id", self.ID), poke),
		st.Subscribe(store.TableGroupMembers, store.Eq("user_id", self.ID), poke),
	}

	items, err := l.load(ctx)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()

	go l.loop()
	return l, nil
}

// Items returns the current summaries, newest activity first.
func (l *List) Items() []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Summary(nil), l.items...)
}

// Subscribe delivers the full list after every change. A slow reader only
// ever sees the latest list.
func (l *List) Subscribe() (<-chan []Summary, func()) {
	ch := make(chan []Summary, 1)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.closed {
		close(ch)
	} else {
		l.subs[id] = ch
	}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if s, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(s)
		}
	}
}

func (l *List) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	l.mu.Unlock()

	for _, d := range l.detach {
		d()
	}
	l.cancel()
}

// poke runs on the store's feed goroutine and never blocks.
func (l *List) poke() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *List) loop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.kick:
		}
		items, err := l.load(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				log.Warnf("conversation list: %v", err)
			}
			continue
		}
		l.publish(items)
	}
}

func (l *List) publish(items []Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.items = items
	for _, ch := range l.subs {
		select {
		case <-ch:
		default:
		}
		ch <- append([]Summary(nil), items...)
	}
}

func (l *List) load(ctx context.Context) ([]Summary, error) {
	var refs []Ref
	for _, m := range []struct {
		table, col string
		group      bool
	}{
		{store.TableParticipants, "conversation_id", false},
		{store.TableGroupMembers, "group_id", true},
	} {
		rows, err := l.st.Select(ctx, store.Query{
			Table: m.table,
			Where: []store.Filter{store.Eq("user_id", l.self.ID)},
		})
		if err != nil {
			return nil, fmt.Errorf("memberships: %w", err)
		}
		for _, r := range rows {
			refs = append(refs, Ref{ID: r.Text(m.col), Group: m.group})
		}
	}

	profiles := make(map[string]*store.Profile)
	items := make([]Summary, 0, len(refs))
	for _, ref := range refs {
		s, err := l.summarize(ctx, ref, profiles)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Last == nil && b.Last == nil:
			return a.Ref.ID < b.Ref.ID
		case a.Last == nil || b.Last == nil:
			return a.Last != nil
		default:
			return a.Last.CreatedAt > b.Last.CreatedAt
		}
	})
	return items, nil
}

func (l *List) summarize(ctx context.Context, ref Ref, profiles map[string]*store.Profile) (Summary, error) {
	s := Summary{Ref: ref}
	scope := store.Eq(ref.column(), ref.ID)

	rows, err := l.st.Select(ctx, store.Query{
		Table: store.TableMessages,
		Where: []store.Filter{scope},
		Order: []store.Order{store.Desc("created_at")},
		Limit: 1,
	})
	if err != nil {
		return s, fmt.Errorf("last message of %s: %w", ref.Topic(), err)
	}
	if len(rows) == 0 {
		return s, nil
	}
	m, err := store.MessageFromRow(rows[0])
	if err != nil {
		log.Warnf("%s: skipping last message: %v", ref.Topic(), err)
		return s, nil
	}
	s.Last = &Message{Message: m, Sender: l.profile(ctx, m.SenderID, profiles)}

	unread, err := l.st.Select(ctx, store.Query{
		Table: store.TableMessages,
		Where: []store.Filter{scope, store.Eq("is_read", false), store.Neq("sender_id", l.self.ID)},
		Limit: 1,
	})
	if err != nil {
		return s, fmt.Errorf("unread of %s: %w", ref.Topic(), err)
	}
	s.Unread = len(unread) > 0
	return s, nil
}

func (l *List) profile(ctx context.Context, userID string, cache map[string]*store.Profile) *store.Profile {
	if p, ok := cache[userID]; ok {
		return p
	}
	row, err := l.st.Single(ctx, store.Query{
		Table: store.TableUsers,
		Where: []store.Filter{store.Eq("id", userID)},
	})
	var p *store.Profile
	if err == nil {
		prof := store.ProfileFromRow(row)
		p = &prof
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Debugf("conversation list: sender %s: %v", userID, err)
	}
	cache[userID] = p
	return p
}
