package signaling

import "sync"

// observers is a subscriber list with deterministic unregistration.
type observers[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (o *observers[T]) add(fn func(T)) (cancel func()) {
	o.mu.Lock()
	id := o.addLocked(fn)
	o.mu.Unlock()
	return o.remover(id)
}

func (o *observers[T]) addLocked(fn func(T)) uint64 {
	if o.fns == nil {
		o.fns = make(map[uint64]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return id
}

func (o *observers[T]) remover(id uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := o.snapshotLocked()
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (o *observers[T]) snapshotLocked() []func(T) {
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	return fns
}

func (o *observers[T]) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fns)
}

func (o *observers[T]) clear() {
	o.mu.Lock()
	o.fns = nil
	o.mu.Unlock()
}

// latch is an observers list that remembers the last value. A subscriber
// added after an emit receives that value on its own goroutine, so callbacks
// registered late still hear about a close or a stream that already happened.
type latch[T any] struct {
	observers[T]
	set  bool
	last T
}

func (l *latch[T]) add(fn func(T)) (cancel func()) {
	l.mu.Lock()
	id := l.addLocked(fn)
	set, v := l.set, l.last
	l.mu.Unlock()
	if set {
		go fn(v)
	}
	return l.remover(id)
}

func (l *latch[T]) emit(v T) {
	l.mu.Lock()
	l.set, l.last = true, v
	fns := l.snapshotLocked()
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// clear drops the subscribers and the remembered value.
func (l *latch[T]) clear() {
	l.mu.Lock()
	var zero T
	l.fns, l.set, l.last = nil, false, zero
	l.mu.Unlock()
}
