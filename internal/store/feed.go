package store

import (
	"slices"
	"sync"
	"sync/atomic"
)

type subscription struct {
	table  string
	filter Filter
	fn     func(Change)
	active atomic.Bool
}

func (sub *subscription) matches(c Change) bool {
	if sub.table != c.Table {
		return false
	}
	if sub.filter.Column == "" {
		return true
	}
	return sub.filter.Match(c.Row)
}

// feed fans committed changes out to subscribers from one goroutine.
type feed struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	queue  []Change

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newFeed() *feed {
	return &feed{
		subs:    make(map[uint64]*subscription),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (f *feed) subscribe(table string, filter Filter, fn func(Change)) func() {
	sub := &subscription{table: table, filter: filter, fn: fn}
	sub.active.Store(true)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	return func() {
		sub.active.Store(false)
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *feed) publish(c Change) {
	f.mu.Lock()
	f.queue = append(f.queue, c)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed) run() {
	defer close(f.stopped)
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			c := f.queue[0]
			f.queue = f.queue[1:]

			ids := make([]uint64, 0, len(f.subs))
			for id := range f.subs {
				ids = append(ids, id)
			}
			targets := make([]*subscription, 0, len(ids))
			slices.Sort(ids)
			for _, id := range ids {
				if sub := f.subs[id]; sub.matches(c) {
					targets = append(targets, sub)
				}
			}
			f.mu.Unlock()

			for _, sub := range targets {
				if sub.active.Load() {
					sub.fn(c)
				}
			}
		}
	}
}

func (f *feed) stop() {
	f.once.Do(func() {
		close(f.done)
	})
	<-f.stopped
}
