package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/signaling"
	"github.com/petervdpas/goopchat/internal/signaling/signalingtest"
	"github.com/petervdpas/goopchat/internal/store"
)

type mockAcquirer struct{ mock.Mock }

func (m *mockAcquirer) Acquire(ctx context.Context, kind media.Kind) (*media.Stream, error) {
	args := m.Called(ctx, kind)
	s, _ := args.Get(0).(*media.Stream)
	return s, args.Error(1)
}

// devices hands out streams whose tracks count their releases.
type devices struct {
	mu     sync.Mutex
	stops  map[*media.Track]int
	tracks []*media.Track
}

func newDevices() *devices { return &devices{stops: make(map[*media.Track]int)} }

func (d *devices) Acquire(ctx context.Context, kind media.Kind) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kinds := []media.Kind{media.KindAudio}
	if kind == media.KindVideo {
		kinds = append(kinds, media.KindVideo)
	}
	var tracks []*media.Track
	for _, k := range kinds {
		var tr *media.Track
		tr = media.NewTrack(k, nil, func() error {
			d.mu.Lock()
			d.stops[tr]++
			d.mu.Unlock()
			return nil
		})
		tracks = append(tracks, tr)
	}
	d.tracks = append(d.tracks, tracks...)
	return media.NewStream(kind, tracks...), nil
}

// released reports whether every track handed out was stopped exactly once.
func (d *devices) released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tracks) == 0 {
		return false
	}
	for _, tr := range d.tracks {
		if d.stops[tr] != 1 {
			return false
		}
	}
	return true
}

func (d *devices) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracks)
}

// gated blocks Acquire until release is closed.
type gated struct {
	*devices
	entered chan struct{}
	release chan struct{}
}

func newGated() *gated {
	return &gated{devices: newDevices(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gated) Acquire(ctx context.Context, kind media.Kind) (*media.Stream, error) {
	close(g.entered)
	<-g.release
	return g.devices.Acquire(ctx, kind)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m      *Manager
	tr     *signalingtest.Transport
	client *signaling.Client
}

func newFixture(t *testing.T, acq media.Acquirer, opts Options) *fixture {
	t.Helper()
	tr := signalingtest.NewTransport()
	client := signaling.NewClient(tr)
	t.Cleanup(client.Destroy)

	opts.Acquirer = acq
	if opts.PlaceTimeout == 0 {
		opts.PlaceTimeout = 5 * time.Second
	}
	if opts.StatusLinger == 0 {
		opts.StatusLinger = 10 * time.Millisecond
	}
	m := NewManager(client, "alice", ManagerOptions{
		Session: opts,
		Profiles: func(ctx context.Context, userID string) (*store.Profile, error) {
			return &store.Profile{ID: userID, Username: "user-" + userID}, nil
		},
	})
	t.Cleanup(m.Close)
	return &fixture{m: m, tr: tr, client: client}
}

// conn connects the client up front so tests can script the connection.
func (f *fixture) conn(t *testing.T) *signalingtest.Conn {
	t.Helper()
	_, err := f.client.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	return f.tr.Last()
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Phase == want },
		2*time.Second, 2*time.Millisecond, "want %s, have %s", want, s.State())
}

// connected places a call and lets the callee's stream arrive.
func connected(t *testing.T, f *fixture, kind media.Kind) (*Session, *signalingtest.Session) {
	t.Helper()
	conn := f.conn(t)
	s, err := f.m.Place(context.Background(), "bob", kind)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.Calls()) == 1 }, 2*time.Second, 2*time.Millisecond)
	handle := conn.Calls()[0]
	handle.EmitStream()
	waitPhase(t, s, PhaseConnected)
	return s, handle
}

func TestMediaDeniedMakesNoCall(t *testing.T) {
	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything, media.KindVideo).Return(nil, media.ErrMediaDenied).Once()

	f := newFixture(t, acq, Options{})
	conn := f.conn(t)

	s, err := f.m.Place(context.Background(), "bob", media.KindVideo)
	require.NoError(t, err)
	waitPhase(t, s, PhaseFailed)

	assert.Equal(t, ReasonMediaDenied, s.State().Reason)
	assert.Zero(t, conn.Attempts())
	acq.AssertExpectations(t)
}

func TestMediaDeniedNeverConnects(t *testing.T) {
	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything, media.KindAudio).Return(nil, errors.New("permission refused"))

	f := newFixture(t, acq, Options{})
	s, err := f.m.Place(context.Background(), "bob", media.KindAudio)
	require.NoError(t, err)
	waitPhase(t, s, PhaseFailed)

	assert.Equal(t, ReasonMediaDenied, s.State().Reason)
	assert.Zero(t, f.tr.Connects(), "signaling is not touched before media")
}

func TestNoAnswerReleasesMediaOnce(t *testing.T) {
	dev := newDevices()
	f := newFixture(t, dev, Options{PlaceTimeout: 50 * time.Millisecond})
	conn := f.conn(t)

	s, err := f.m.Place(context.Background(), "bob", media.KindVideo)
	require.NoError(t, err)

	states, cancel := s.Subscribe()
	defer cancel()

	waitPhase(t, s, PhaseFailed)
	assert.Equal(t, ReasonNoAnswer, s.State().Reason)
	assert.Equal(t, 2, dev.count())
	assert.True(t, dev.released())
	require.Len(t, conn.Calls(), 1)
	assert.Equal(t, 1, conn.Calls()[0].Closes())

	var phases []Phase
	for st := range states {
		phases = append(phases, st.Phase)
	}
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseFailed, phases[len(phases)-1])
	assert.NotContains(t, phases, PhaseConnecting)

	// Late events change nothing.
	conn.Calls()[0].EmitStream()
	s.Hangup()
	assert.Equal(t, PhaseFailed, s.State().Phase)
	assert.True(t, dev.released())
}

func TestHangupDuringAcquireNeverDials(t *testing.T) {
	acq := newGated()
	f := newFixture(t, acq, Options{})
	conn := f.conn(t)

	s, err := f.m.Place(context.Background(), "bob", media.KindVideo)
	require.NoError(t, err)
	<-acq.entered
	s.Hangup()
	close(acq.release)

	waitPhase(t, s, PhaseEnded)
	assert.Equal(t, ReasonHangup, s.State().Reason)
	require.Eventually(t, acq.released, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, acq.count())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, conn.Attempts())
	assert.Empty(t, conn.Calls())
}

func TestDeclineBeforeWatchEndsCall(t *testing.T) {
	dev := newDevices()
	f := newFixture(t, dev, Options{PlaceTimeout: time.Minute})
	conn := f.conn(t)
	conn.OnPlaced(func(h *signalingtest.Session) { h.RemoteClose() })

	s, err := f.m.Place(context.Background(), "bob", media.KindAudio)
	require.NoError(t, err)
	waitPhase(t, s, PhaseEnded)

	assert.Equal(t, ReasonRemoteClosed, s.State().Reason)
	assert.True(t, dev.released())
}

func TestStreamBeforeWatchConnects(t *testing.T) {
	f := newFixture(t, newDevices(), Options{PlaceTimeout: time.Minute})
	conn := f.conn(t)
	conn.OnPlaced(func(h *signalingtest.Session) { h.EmitStream() })

	s, err := f.m.Place(context.Background(), "bob", media.KindVideo)
	require.NoError(t, err)
	waitPhase(t, s, PhaseConnected)
	assert.NotNil(t, s.Remote())
}

func TestPeerUnreachable(t *testing.T) {
	dev := newDevices()
	f := newFixture(t, dev, Options{})
	conn := f.conn(t)
	conn.FailCalls(&signaling.Error{Kind: signaling.KindPeerUnreachable, Peer: "bob", Err: signaling.ErrPeerUnreachable})

	s, err := f.m.Place(context.Background(), "bob", media.KindAudio)
	require.NoError(t, err)
	waitPhase(t, s, PhaseFailed)

	assert.Equal(t, ReasonPeerUnreachable, s.State().Reason)
	assert.True(t, dev.released())
	assert.Equal(t, 1, conn.Attempts())
}

func TestInboundOfferWhileConnectedIsDeclined(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	s, _ := connected(t, f, media.KindVideo)

	offer := f.tr.Last().Offer("carol", media.KindVideo)

	assert.Equal(t, 1, offer.Closes())
	assert.Same(t, s, f.m.Active())
	assert.Equal(t, PhaseConnected, s.State().Phase)

	_, err := f.m.Place(context.Background(), "dave", media.KindAudio)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDurationStartsAtConnect(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, newDevices(), Options{now: c.now})
	conn := f.conn(t)

	s, err := f.m.Place(context.Background(), "bob", media.KindVideo)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.Calls()) == 1 }, 2*time.Second, 2*time.Millisecond)

	c.advance(12 * time.Second) // ringing time is not call time
	assert.Zero(t, s.Duration())

	conn.Calls()[0].EmitStream()
	waitPhase(t, s, PhaseConnected)

	c.advance(65 * time.Second)
	assert.Equal(t, 65*time.Second, s.Duration())
	assert.Equal(t, "01:05", FormatDuration(s.Duration()))

	s.Hangup()
	waitPhase(t, s, PhaseEnded)
	c.advance(time.Hour)
	assert.Equal(t, 65*time.Second, s.Duration())
	assert.Equal(t, ReasonHangup, s.State().Reason)
}

func TestToggles(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	s, _ := connected(t, f, media.KindVideo)

	on, err := s.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	on, err = s.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, on)

	on, err = s.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, PhaseConnected, s.State().Phase)
}

func TestToggleRules(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	conn := f.conn(t)

	s, err := f.m.Place(context.Background(), "bob", media.KindAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.Calls()) == 1 }, 2*time.Second, 2*time.Millisecond)

	_, err = s.ToggleAudio()
	assert.ErrorIs(t, err, ErrIllegalTransition, "not connected yet")

	conn.Calls()[0].EmitStream()
	waitPhase(t, s, PhaseConnected)

	_, err = s.ToggleVideo()
	assert.ErrorIs(t, err, ErrVideoUnavailable)
	_, err = s.ToggleAudio()
	assert.NoError(t, err)
}

func TestIncomingAnswerAndRemoteClose(t *testing.T) {
	dev := newDevices()
	f := newFixture(t, dev, Options{})
	conn := f.conn(t)

	calls := make(chan IncomingCall, 1)
	f.m.OnIncoming(func(ic IncomingCall) { calls <- ic })

	handle := conn.Offer("bob", media.KindAudio)
	ic := <-calls
	require.NotNil(t, ic.Caller)
	assert.Equal(t, "user-bob", ic.Caller.Username)

	s := ic.Session
	assert.Equal(t, Incoming, s.Direction())
	assert.Equal(t, media.KindAudio, s.Kind())
	waitPhase(t, s, PhaseRinging)
	require.Eventually(t, func() bool { return dev.count() == 1 }, time.Second, 2*time.Millisecond,
		"media is ready before the user answers")
	assert.Zero(t, handle.Answers())

	require.NoError(t, s.Answer(context.Background()))
	assert.Equal(t, PhaseConnecting, s.State().Phase)
	require.Eventually(t, func() bool { return handle.Answers() == 1 }, time.Second, 2*time.Millisecond)
	assert.NotNil(t, handle.Local)

	handle.EmitStream()
	waitPhase(t, s, PhaseConnected)
	assert.NotNil(t, s.Remote())
	assert.NotNil(t, s.Media())

	assert.ErrorIs(t, s.Answer(context.Background()), ErrIllegalTransition)

	handle.RemoteClose()
	waitPhase(t, s, PhaseEnded)
	assert.Equal(t, ReasonRemoteClosed, s.State().Reason)
	assert.True(t, dev.released())
	assert.Equal(t, 1, handle.Closes())
}

func TestRingingHangupDeclines(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	conn := f.conn(t)

	handle := conn.Offer("bob", media.KindVideo)
	s := f.m.Active()
	require.NotNil(t, s)

	s.Hangup()
	waitPhase(t, s, PhaseEnded)
	assert.Equal(t, 1, handle.Closes())
	assert.Zero(t, handle.Answers())
}

func TestTransportFaultFailsActiveSession(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	s, _ := connected(t, f, media.KindVideo)

	f.tr.Last().Fail(&signaling.Error{Kind: signaling.KindTransportFault, Err: errors.New("link lost")})

	waitPhase(t, s, PhaseFailed)
	assert.Equal(t, ReasonTransportFault, s.State().Reason)
}

func TestUnreachableForOtherPeerIsIgnored(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	s, _ := connected(t, f, media.KindVideo)

	f.tr.Last().Fail(&signaling.Error{Kind: signaling.KindPeerUnreachable, Peer: "carol", Err: errors.New("gone")})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseConnected, s.State().Phase)
}

func TestSessionErrorEnds(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	s, handle := connected(t, f, media.KindVideo)

	handle.EmitError(errors.New("ice failed"))
	waitPhase(t, s, PhaseEnded)
	assert.Equal(t, ReasonSessionError, s.State().Reason)
}

func TestDoneAfterLingerRecordsHistory(t *testing.T) {
	f := newFixture(t, newDevices(), Options{StatusLinger: 30 * time.Millisecond})
	s, _ := connected(t, f, media.KindAudio)

	s.Hangup()
	waitPhase(t, s, PhaseEnded)

	// A terminal session no longer blocks new calls.
	next, err := f.m.Place(context.Background(), "carol", media.KindAudio)
	require.NoError(t, err)
	defer next.Hangup()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished")
	}
	require.Eventually(t, func() bool { return len(f.m.History()) == 1 }, time.Second, 2*time.Millisecond)
	rec := f.m.History()[0]
	assert.Equal(t, "bob", rec.Peer)
	assert.Equal(t, Outgoing, rec.Direction)
	assert.Equal(t, PhaseEnded, rec.Final.Phase)
	assert.Same(t, next, f.m.Active())
}

func TestPlaceValidation(t *testing.T) {
	f := newFixture(t, newDevices(), Options{})
	_, err := f.m.Place(context.Background(), "", media.KindAudio)
	assert.Error(t, err)
	_, err = f.m.Place(context.Background(), "alice", media.KindAudio)
	assert.Error(t, err)

	f.m.Close()
	_, err = f.m.Place(context.Background(), "bob", media.KindAudio)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransitionTable(t *testing.T) {
	_, err := next(PhaseConnected, trAnswer)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	for _, p := range []Phase{PhaseEnded, PhaseFailed} {
		for _, tr := range []trigger{trHangup, trRemoteStream, trToggle, trFault} {
			_, err := next(p, tr)
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s + %s", p, tr)
		}
	}

	to, err := next(PhasePlacing, trTimeout)
	require.NoError(t, err)
	assert.Equal(t, target{PhaseFailed, ReasonNoAnswer}, to)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:59", FormatDuration(59*time.Second+900*time.Millisecond))
	assert.Equal(t, "61:01", FormatDuration(time.Hour+61*time.Second))
	assert.Equal(t, "00:00", FormatDuration(-time.Second))
}
