// Package mediatest provides acquirers that need no capture hardware.
package mediatest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopchat/internal/media"
)

// NewSampleTrack returns a track backed by a TrackLocalStaticSample
// (Opus for audio, VP8 for video). The caller feeds it with WriteSample.
func NewSampleTrack(kind media.Kind, streamID string) (*media.Track, *webrtc.TrackLocalStaticSample, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, nil, err
	}
	return media.NewTrack(kind, local, nil), local, nil
}

// Acquirer hands out sample-backed streams and counts what it did.
type Acquirer struct {
	// Err, when set, is returned by every Acquire.
	Err error

	calls   atomic.Int32
	mu      sync.Mutex
	streams []*media.Stream
}

func (a *Acquirer) Acquire(ctx context.Context, kind media.Kind) (*media.Stream, error) {
	a.calls.Add(1)
	if a.Err != nil {
		return nil, a.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	audio, _, err := NewSampleTrack(media.KindAudio, id)
	if err != nil {
		return nil, err
	}
	tracks := []*media.Track{audio}
	if kind == media.KindVideo {
		video, _, err := NewSampleTrack(media.KindVideo, id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}
	s := media.NewStream(kind, tracks...)
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s, nil
}

// Calls is the number of Acquire invocations.
func (a *Acquirer) Calls() int { return int(a.calls.Load()) }

// Streams returns every stream handed out so far.
func (a *Acquirer) Streams() []*media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*media.Stream(nil), a.streams...)
}

// Denied always fails with media.ErrMediaDenied.
var Denied = media.AcquirerFunc(func(ctx context.Context, kind media.Kind) (*media.Stream, error) {
	return nil, media.ErrMediaDenied
})
