package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/signaling"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/util"
)

// ProfileLookup resolves a caller for display. Errors leave Caller nil.
type ProfileLookup func(ctx context.Context, userID string) (*store.Profile, error)

// IncomingCall is delivered to OnIncoming handlers for each accepted offer.
type IncomingCall struct {
	Session *Session
	Caller  *store.Profile
}

// Record is one finished call, kept for the history view.
type Record struct {
	ID        string        `json:"id"`
	Peer      string        `json:"peer"`
	Direction Direction     `json:"direction"`
	Kind      media.Kind    `json:"kind"`
	Final     State         `json:"final"`
	Duration  time.Duration `json:"duration"`
}

type ManagerOptions struct {
	Session     Options
	Profiles    ProfileLookup
	HistorySize int
}

// Manager enforces one non-idle session per process and bridges the
// signaling client to it.
type Manager struct {
	client   *signaling.Client
	userID   string
	opts     Options
	profiles ProfileLookup
	history  *util.RingBuffer[Record]

	mu       sync.Mutex
	active   *Session
	closed   bool
	nextID   int
	incoming map[int]func(IncomingCall)
	started  map[int]func(*Session)
	detach   func()
}

func NewManager(client *signaling.Client, userID string, opts ManagerOptions) *Manager {
	size := opts.HistorySize
	if size <= 0 {
		size = 50
	}
	m := &Manager{
		client:   client,
		userID:   userID,
		opts:     opts.Session,
		profiles: opts.Profiles,
		history:  util.NewRingBuffer[Record](size),
		incoming: make(map[int]func(IncomingCall)),
		started:  make(map[int]func(*Session)),
	}
	client.OnIncomingCall(m.handleOffer)
	m.detach = client.OnConnectionError(m.handleConnError)
	return m
}

// Place starts an outgoing call. Media is acquired before the signaling
// connection is touched.
func (m *Manager) Place(ctx context.Context, peerUserID string, kind media.Kind) (*Session, error) {
	if peerUserID == "" {
		return nil, errors.New("call: empty peer")
	}
	if peerUserID == m.userID {
		return nil, errors.New("call: cannot call yourself")
	}
	if !kind.Valid() {
		kind = media.KindVideo
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.busyLocked() {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(peerUserID, kind, Outgoing, m.opts)
	s.dial = func(ctx context.Context) (signaling.Conn, error) {
		return m.client.Ensure(ctx, m.userID)
	}
	m.active = s
	started := m.startedLocked()
	m.mu.Unlock()

	log.Infof("placing %s call %s to %s", kind, short(s.id), peerUserID)
	s.post(input{tr: trInitiate})
	go m.watch(s)
	for _, fn := range started {
		fn(s)
	}
	return s, nil
}

// Active returns the current session, terminal ones included until their
// status display ends.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// OnIncoming registers fn for accepted inbound offers.
func (m *Manager) OnIncoming(fn func(IncomingCall)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.incoming[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.incoming, id)
		m.mu.Unlock()
	}
}

// OnSession registers fn for every session that becomes active, placed or
// ringing.
func (m *Manager) OnSession(fn func(*Session)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.started[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.started, id)
		m.mu.Unlock()
	}
}

func (m *Manager) startedLocked() []func(*Session) {
	out := make([]func(*Session), 0, len(m.started))
	for _, fn := range m.started {
		out = append(out, fn)
	}
	return out
}

// History returns finished calls, oldest first.
func (m *Manager) History() []Record { return m.history.Snapshot() }

// Close hangs up the active call and stops accepting offers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()

	m.client.OnIncomingCall(nil)
	m.detach()
	if active != nil {
		active.Hangup()
		select {
		case <-active.ended:
		case <-time.After(util.DefaultFetchTimeout):
			log.Warnf("session %s: still not terminal at shutdown", short(active.id))
		}
	}
}

func (m *Manager) busyLocked() bool {
	return m.active != nil && !m.active.State().Phase.Terminal()
}

// handleOffer either rings or, while another call is live, declines.
func (m *Manager) handleOffer(h signaling.MediaSession, kind media.Kind) {
	m.mu.Lock()
	if m.closed || m.busyLocked() {
		m.mu.Unlock()
		metrics.IncCallDeclined()
		log.Infof("declining offer %s from %s: busy", short(h.ID()), h.Peer())
		_ = h.Close()
		return
	}
	s := newSession(h.Peer(), kind, Incoming, m.opts)
	m.active = s
	handlers := make([]func(IncomingCall), 0, len(m.incoming))
	for _, fn := range m.incoming {
		handlers = append(handlers, fn)
	}
	started := m.startedLocked()
	m.mu.Unlock()

	log.Infof("incoming %s call %s from %s", kind, short(s.id), h.Peer())
	s.post(input{tr: trInbound, handle: h})
	go m.watch(s)
	for _, fn := range started {
		fn(s)
	}

	go func() {
		ic := IncomingCall{Session: s, Caller: m.lookup(h.Peer())}
		for _, fn := range handlers {
			fn(ic)
		}
	}()
}

func (m *Manager) lookup(userID string) *store.Profile {
	if m.profiles == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	p, err := m.profiles(ctx, userID)
	if err != nil {
		log.Debugf("caller profile %s: %v", userID, err)
		return nil
	}
	return p
}

// handleConnError routes connection-level failures to the session they
// concern: the one with that peer, or any session for a transport fault.
func (m *Manager) handleConnError(err error) {
	var se *signaling.Error
	if !errors.As(err, &se) {
		return
	}
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return
	}
	if se.Kind == signaling.KindTransportFault || se.Peer == s.Peer() {
		s.post(input{tr: errTrigger(err), err: err})
	}
}

func (m *Manager) watch(s *Session) {
	<-s.Done()
	m.history.Push(Record{
		ID:        s.id,
		Peer:      s.peer,
		Direction: s.dir,
		Kind:      s.kind,
		Final:     s.State(),
		Duration:  s.Duration(),
	})

	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}
