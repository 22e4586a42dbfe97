package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/signaling"
)

var log = logging.Logger("call")

const (
	DefaultPlaceTimeout = 30 * time.Second
	DefaultStatusLinger = 3 * time.Second
)

type Options struct {
	Acquirer     media.Acquirer
	PlaceTimeout time.Duration
	// StatusLinger is how long a terminal state stays visible before Done.
	StatusLinger time.Duration

	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PlaceTimeout <= 0 {
		o.PlaceTimeout = DefaultPlaceTimeout
	}
	if o.StatusLinger < 0 {
		o.StatusLinger = 0
	}
	if o.Acquirer == nil {
		o.Acquirer = media.AcquirerFunc(func(context.Context, media.Kind) (*media.Stream, error) {
			return nil, media.ErrMediaDenied
		})
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// input is one event for the session loop. result marks the outcome of
// the session's own in-flight step; everything else waits behind it.
type input struct {
	tr     trigger
	result bool
	err    error
	stream *media.Stream
	handle signaling.MediaSession
	remote *media.RemoteStream
	kind   media.Kind
	gen    uint64
	reply  chan reply
}

type reply struct {
	enabled bool
	err     error
}

// dialer yields the signaling connection for outgoing calls.
type dialer func(ctx context.Context) (signaling.Conn, error)

// Session is one call. All transitions run on the session's loop
// goroutine; accessors read a published copy.
type Session struct {
	id   string
	peer string
	kind media.Kind
	dir  Direction
	opts Options
	dial dialer

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan input
	ended    chan struct{}
	done     chan struct{}
	finished chan struct{}

	// Loop-owned.
	phase    Phase
	local    *media.Stream
	handle   signaling.MediaSession
	detach   []func()
	timer    *time.Timer
	timerGen uint64
	inflight bool
	deferred []input

	mu          sync.Mutex
	state       State
	remote      *media.RemoteStream
	webm        *media.WebMStream
	connectedAt time.Time
	endedAt     time.Time
	subs        map[chan State]struct{}
}

func newSession(peer string, kind media.Kind, dir Direction, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		peer:     peer,
		kind:     kind,
		dir:      dir,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan input, 32),
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		phase:    PhaseIdle,
		state:    State{Phase: PhaseIdle, At: opts.now()},
		subs:     make(map[chan State]struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Peer() string         { return s.peer }
func (s *Session) Kind() media.Kind     { return s.kind }
func (s *Session) Direction() Direction { return s.dir }

// Done is closed once the session is terminal and its status has been
// shown for StatusLinger.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration counts from the moment the call connected, never earlier.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.connectedAt.IsZero():
		return 0
	case !s.endedAt.IsZero():
		return s.endedAt.Sub(s.connectedAt)
	default:
		return s.opts.now().Sub(s.connectedAt)
	}
}

// Remote is the peer's media, nil until connected.
func (s *Session) Remote() *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Media is the remote picture remuxed as WebM, nil until connected.
func (s *Session) Media() *media.WebMStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webm
}

// Subscribe delivers every published state, starting with the current
// one. The channel closes when the session is done.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	s.mu.Lock()
	if s.subs == nil {
		ch <- s.state
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	ch <- s.state
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Answer accepts a ringing call. It returns once the session is
// Connecting; the answer itself is delivered in the background.
func (s *Session) Answer(ctx context.Context) error {
	r, err := s.ask(ctx, input{tr: trAnswer})
	if err != nil {
		return err
	}
	return r.err
}

// Hangup ends the call from any non-terminal phase. Repeated calls and
// calls on a finished session do nothing.
func (s *Session) Hangup() {
	s.post(input{tr: trHangup})
}

// ToggleAudio flips the microphone without renegotiating and reports
// whether it is now enabled. Legal only while connected.
func (s *Session) ToggleAudio() (bool, error) {
	r, err := s.ask(context.Background(), input{tr: trToggle, kind: media.KindAudio})
	if err != nil {
		return false, err
	}
	return r.enabled, r.err
}

// ToggleVideo flips the camera. Audio calls have no video to toggle.
func (s *Session) ToggleVideo() (bool, error) {
	if s.kind != media.KindVideo {
		return false, ErrVideoUnavailable
	}
	r, err := s.ask(context.Background(), input{tr: trToggle, kind: media.KindVideo})
	if err != nil {
		return false, err
	}
	return r.enabled, r.err
}

func (s *Session) post(in input) bool {
	select {
	case s.inbox <- in:
		return true
	case <-s.finished:
		return false
	}
}

func (s *Session) ask(ctx context.Context, in input) (reply, error) {
	in.reply = make(chan reply, 1)
	if !s.post(in) {
		return reply{}, ErrIllegalTransition
	}
	select {
	case r := <-in.reply:
		return r, nil
	case <-s.finished:
		return reply{}, ErrIllegalTransition
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.finished)
	for {
		select {
		case in := <-s.inbox:
			s.accept(in)
		case <-s.done:
			s.drain()
			return
		}
	}
}

// accept runs in, or parks it while an async step is outstanding.
func (s *Session) accept(in input) {
	if s.inflight && !in.result {
		s.deferred = append(s.deferred, in)
		return
	}
	s.step(in)
	for !s.inflight && len(s.deferred) > 0 {
		in := s.deferred[0]
		s.deferred = s.deferred[1:]
		s.step(in)
	}
}

func (s *Session) step(in input) {
	if in.result {
		s.inflight = false
	}
	if in.tr == trTimeout && in.gen != s.timerGen {
		return
	}

	to, err := next(s.phase, in.tr)
	if err != nil {
		s.refuse(in, err)
		return
	}

	switch in.tr {
	case trInitiate:
		s.enter(to)
		s.acquire()

	case trInbound:
		s.handle = in.handle
		s.watchHandle()
		s.enter(to)
		s.acquire()

	case trMediaReady:
		s.local = in.stream
		if s.phase == PhasePlacing && !s.hangupPending() {
			s.call()
		}

	case trOfferSent:
		s.handle = in.handle
		s.watchHandle()
		s.startTimer()
		log.Infof("session %s: ringing %s (timeout %s)", short(s.id), s.peer, s.opts.PlaceTimeout)

	case trAnswer:
		s.enter(to)
		s.answer()
		in.answer(reply{})

	case trAnswerSent:

	case trRemoteStream:
		s.stopTimer()
		if s.phase == PhasePlacing {
			s.enter(target{phase: PhaseConnecting})
		}
		s.connect(in.remote)

	case trToggle:
		s.toggle(in)

	default:
		if to.phase.Terminal() {
			if in.err != nil {
				log.Warnf("session %s: %s: %v", short(s.id), in.tr, in.err)
			}
			s.terminate(to)
			return
		}
		s.enter(to)
	}
}

// hangupPending reports whether the user hung up while an async step ran.
func (s *Session) hangupPending() bool {
	for _, in := range s.deferred {
		if in.tr == trHangup {
			return true
		}
	}
	return false
}

// refuse answers an illegal input and releases anything it carried.
func (s *Session) refuse(in input, err error) {
	if in.stream != nil {
		in.stream.Stop()
	}
	if in.handle != nil && in.handle != s.handle {
		_ = in.handle.Close()
	}
	if in.reply != nil {
		in.answer(reply{err: err})
		return
	}
	if in.tr != trHangup {
		log.Debugf("session %s: ignoring %s in %s", short(s.id), in.tr, s.phase)
	}
}

func (in input) answer(r reply) {
	if in.reply != nil {
		in.reply <- r
	}
}

func (s *Session) enter(to target) {
	if s.phase == to.phase && to.reason == ReasonNone {
		return
	}
	s.phase = to.phase
	st := State{Phase: to.phase, Reason: to.reason, At: s.opts.now()}
	log.Infof("session %s: %s", short(s.id), st)

	s.mu.Lock()
	s.state = st
	if st.Phase == PhaseConnected {
		s.connectedAt = st.At
	}
	if st.Phase.Terminal() && !s.connectedAt.IsZero() {
		s.endedAt = st.At
	}
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.mu.Unlock()
}

// acquire opens local media before anything else happens.
func (s *Session) acquire() {
	s.inflight = true
	go func() {
		stream, err := s.opts.Acquirer.Acquire(s.ctx, s.kind)
		if err != nil {
			s.post(input{tr: trMediaDenied, err: err, result: true})
			return
		}
		if !s.post(input{tr: trMediaReady, stream: stream, result: true}) {
			stream.Stop()
		}
	}()
}

func (s *Session) call() {
	s.inflight = true
	local := s.local
	go func() {
		conn, err := s.dial(s.ctx)
		if err != nil {
			tr := errTrigger(err)
			if tr == trSessionError {
				tr = trFault
			}
			s.post(input{tr: tr, err: err, result: true})
			return
		}
		h, err := conn.Call(s.ctx, s.peer, local, proto.CallMetadata{Type: string(s.kind)})
		if err != nil {
			s.post(input{tr: errTrigger(err), err: err, result: true})
			return
		}
		if !s.post(input{tr: trOfferSent, handle: h, result: true}) {
			_ = h.Close()
		}
	}()
}

func (s *Session) answer() {
	s.inflight = true
	h, local := s.handle, s.local
	go func() {
		if err := h.Answer(s.ctx, local); err != nil {
			s.post(input{tr: errTrigger(err), err: err, result: true})
			return
		}
		s.post(input{tr: trAnswerSent, result: true})
	}()
}

func (s *Session) watchHandle() {
	h := s.handle
	s.detach = append(s.detach,
		h.OnStream(func(r *media.RemoteStream) { s.post(input{tr: trRemoteStream, remote: r}) }),
		h.OnClose(func() { s.post(input{tr: trRemoteClosed}) }),
		h.OnError(func(err error) { s.post(input{tr: errTrigger(err), err: err}) }),
	)
}

func (s *Session) connect(remote *media.RemoteStream) {
	s.mu.Lock()
	s.remote = remote
	if remote != nil {
		s.webm = media.NewWebMStream(remote)
	}
	s.mu.Unlock()
	s.enter(target{phase: PhaseConnected})
}

func (s *Session) toggle(in input) {
	if s.local == nil || !s.local.SetEnabled(in.kind, !s.local.Enabled(in.kind)) {
		in.answer(reply{err: ErrVideoUnavailable})
		return
	}
	on := s.local.Enabled(in.kind)
	log.Infof("session %s: %s enabled=%v", short(s.id), in.kind, on)
	in.answer(reply{enabled: on})
}

func (s *Session) startTimer() {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.PlaceTimeout, func() {
		s.post(input{tr: trTimeout, gen: gen})
	})
}

func (s *Session) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// terminate releases local media, then the signaling handle, on every path.
func (s *Session) terminate(to target) {
	s.stopTimer()
	for _, d := range s.detach {
		d()
	}
	s.detach = nil

	if s.local != nil {
		s.local.Stop()
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
	s.mu.Lock()
	webm := s.webm
	s.mu.Unlock()
	if webm != nil {
		webm.Close()
	}
	s.cancel()

	wasConnected := s.phase == PhaseConnected
	s.enter(to)

	outcome := string(to.reason)
	if outcome == "" {
		outcome = string(to.phase)
	}
	metrics.IncCallSession(string(s.dir), outcome)
	if wasConnected {
		metrics.ObserveCallConnected(s.Duration().Seconds())
	}

	close(s.ended)
	time.AfterFunc(s.opts.StatusLinger, func() { close(s.done) })
}

// drain runs once the session is done: pending inputs are refused and
// subscribers released.
func (s *Session) drain() {
	for _, in := range s.deferred {
		s.refuse(in, ErrIllegalTransition)
	}
	s.deferred = nil
	for {
		select {
		case in := <-s.inbox:
			s.refuse(in, ErrIllegalTransition)
		default:
			s.mu.Lock()
			for ch := range s.subs {
				close(ch)
			}
			s.subs = nil
			s.mu.Unlock()
			return
		}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
