// Package signalingtest provides in-memory signaling doubles.
package signalingtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/signaling"
)

// Transport hands out Conns and remembers them.
type Transport struct {
	mu       sync.Mutex
	err      error
	conns    []*Conn
	connects int
}

func NewTransport() *Transport { return &Transport{} }

// FailConnect makes every following Connect return err (nil to recover).
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context, userID string) (signaling.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.err != nil {
		return nil, t.err
	}
	c := &Conn{userID: userID}
	t.conns = append(t.conns, c)
	return c, nil
}

// Connects counts Connect calls, failed ones included.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Last returns the most recent Conn, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is a scripted signaling connection.
type Conn struct {
	userID string

	mu       sync.Mutex
	callErr  error
	calls    []*Session
	attempts int
	closed   bool
	placed   func(*Session)
	onCall   list[signaling.MediaSession]
	onErr    list[error]
}

func (c *Conn) UserID() string { return c.userID }

// FailCalls makes every following Call return err.
func (c *Conn) FailCalls(err error) {
	c.mu.Lock()
	c.callErr = err
	c.mu.Unlock()
}

// OnPlaced runs fn on every session Call creates, before Call returns.
func (c *Conn) OnPlaced(fn func(*Session)) {
	c.mu.Lock()
	c.placed = fn
	c.mu.Unlock()
}

func (c *Conn) Call(ctx context.Context, peerUserID string, local *media.Stream, meta proto.CallMetadata) (signaling.MediaSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.closed {
		return nil, signaling.ErrNotConnected
	}
	if c.callErr != nil {
		return nil, c.callErr
	}
	if meta.Type == "" {
		meta.Type = string(media.KindVideo)
	}
	s := NewSession(peerUserID, meta)
	s.Local = local
	c.calls = append(c.calls, s)
	if c.placed != nil {
		c.placed(s)
	}
	return s, nil
}

// Attempts counts Call invocations, failed ones included.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Calls returns the sessions created by successful Calls.
func (c *Conn) Calls() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.calls...)
}

func (c *Conn) OnCall(fn func(signaling.MediaSession)) (cancel func()) { return c.onCall.add(fn) }

func (c *Conn) OnError(fn func(error)) (cancel func()) { return c.onErr.add(fn) }

// Offer delivers an inbound offer from peerUserID and returns its session.
func (c *Conn) Offer(peerUserID string, kind media.Kind) *Session {
	s := NewSession(peerUserID, proto.CallMetadata{Type: string(kind)})
	c.onCall.emit(s)
	return s
}

// Fail reports a connection-level error.
func (c *Conn) Fail(err error) { c.onErr.emit(err) }

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Session is a scripted media session.
type Session struct {
	id   string
	peer string
	meta proto.CallMetadata

	// Local is the stream passed to Call, or to Answer.
	Local *media.Stream

	mu        sync.Mutex
	answerErr error
	answers   int
	closes    int
	onStream  latch[*media.RemoteStream]
	onClose   latch[struct{}]
	onErr     latch[error]
}

func NewSession(peer string, meta proto.CallMetadata) *Session {
	return &Session{id: uuid.NewString(), peer: peer, meta: meta}
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Peer() string                 { return s.peer }
func (s *Session) Metadata() proto.CallMetadata { return s.meta }

// FailAnswer makes Answer return err.
func (s *Session) FailAnswer(err error) {
	s.mu.Lock()
	s.answerErr = err
	s.mu.Unlock()
}

func (s *Session) Answer(ctx context.Context, local *media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	if s.answerErr != nil {
		return s.answerErr
	}
	s.Local = local
	return nil
}

func (s *Session) Answers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers
}

func (s *Session) OnStream(fn func(*media.RemoteStream)) (cancel func()) {
	return s.onStream.add(fn)
}

func (s *Session) OnClose(fn func()) (cancel func()) {
	return s.onClose.add(func(struct{}) { fn() })
}

func (s *Session) OnError(fn func(error)) (cancel func()) { return s.onErr.add(fn) }

// EmitStream simulates the first remote track arriving. Like the real
// session, a callback registered later still receives it.
func (s *Session) EmitStream() { s.onStream.emit(media.NewRemoteStream(s.id)) }

// RemoteClose simulates the peer hanging up.
func (s *Session) RemoteClose() { s.onClose.emit(struct{}{}) }

// EmitError simulates a session-level failure.
func (s *Session) EmitError(err error) { s.onErr.emit(err) }

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Closes counts Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type list[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *list[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *list[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// latch replays the last emitted value to late subscribers, on their own
// goroutine, as the libp2p session does.
type latch[T any] struct {
	list[T]
	set  bool
	last T
}

func (l *latch[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	set, v := l.set, l.last
	l.mu.Unlock()
	if set {
		go fn(v)
	}
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *latch[T]) emit(v T) {
	l.mu.Lock()
	l.set, l.last = true, v
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
