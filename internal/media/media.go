// Package media owns local capture streams and wraps remote WebRTC tracks.
//
// A Stream is exclusively owned by one call session. Stop releases every
// track exactly once, however many times it is called.
package media

import (
	"context"
	"errors"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// ErrMediaDenied means the camera or microphone could not be opened.
var ErrMediaDenied = errors.New("media: capture denied or unavailable")

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind maps a wire value to a Kind. Anything that is not "audio" is a
// video call.
func ParseKind(s string) Kind {
	if strings.EqualFold(strings.TrimSpace(s), string(KindAudio)) {
		return KindAudio
	}
	return KindVideo
}

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// KindOf maps a WebRTC codec type to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

// Acquirer opens local capture for a call of the given kind.
type Acquirer interface {
	Acquire(ctx context.Context, kind Kind) (*Stream, error)
}

type AcquirerFunc func(ctx context.Context, kind Kind) (*Stream, error)

func (f AcquirerFunc) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	return f(ctx, kind)
}

// Track is one local audio or video track.
type Track struct {
	kind   Kind
	local  webrtc.TrackLocal
	closer func() error

	mu        sync.Mutex
	enabled   bool
	stopped   bool
	listeners map[uint64]func(bool)
	nextID    uint64
}

// NewTrack wraps a local WebRTC track. closer releases the underlying device
// and may be nil.
func NewTrack(kind Kind, local webrtc.TrackLocal, closer func() error) *Track {
	return &Track{
		kind:      kind,
		local:     local,
		closer:    closer,
		enabled:   true,
		listeners: make(map[uint64]func(bool)),
	}
}

func (t *Track) Kind() Kind { return t.kind }

// Local is the WebRTC source added to a peer connection. Nil for tracks that
// carry no media, such as test doubles.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes or unmutes the track. Listeners run only on change.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	if t.enabled == on || t.stopped {
		t.mu.Unlock()
		return
	}
	t.enabled = on
	fns := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(on)
	}
}

// OnEnabledChange lets a transport follow mute state, e.g. by swapping the
// RTP sender's track.
func (t *Track) OnEnabledChange(fn func(enabled bool)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Stop releases the device. Only the first call does anything.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.listeners = nil
	closer := t.closer
	t.mu.Unlock()

	if closer != nil {
		if err := closer(); err != nil {
			log.Debugf("stop %s track: %v", t.kind, err)
		}
	}
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is the local capture of one call.
type Stream struct {
	kind   Kind
	tracks []*Track
	once   sync.Once
}

func NewStream(kind Kind, tracks ...*Track) *Stream {
	return &Stream{kind: kind, tracks: tracks}
}

// Kind is the call kind the stream was acquired for.
func (s *Stream) Kind() Kind { return s.kind }

func (s *Stream) Tracks() []*Track { return append([]*Track(nil), s.tracks...) }

// TracksOf returns the tracks of one media kind.
func (s *Stream) TracksOf(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// HasVideo reports whether a video track was captured.
func (s *Stream) HasVideo() bool { return len(s.TracksOf(KindVideo)) > 0 }

// SetEnabled toggles every track of kind without renegotiation. It reports
// false when the stream has no track of that kind.
func (s *Stream) SetEnabled(kind Kind, on bool) bool {
	ts := s.TracksOf(kind)
	for _, t := range ts {
		t.SetEnabled(on)
	}
	return len(ts) > 0
}

// Enabled reports whether any track of kind is enabled.
func (s *Stream) Enabled(kind Kind) bool {
	for _, t := range s.TracksOf(kind) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// Stop releases every track exactly once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		log.Debugf("local %s stream stopped (%d tracks)", s.kind, len(s.tracks))
	})
}
