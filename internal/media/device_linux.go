//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// RegisterCodecs registers the codecs local capture encodes to (VP8, Opus).
func RegisterCodecs(me *webrtc.MediaEngine) error {
	cs, err := newCodecSelector()
	if err != nil {
		return err
	}
	cs.Populate(me)
	return nil
}

// DeviceAcquirer captures camera and microphone through pion/mediadevices
// (V4L2 + malgo).
type DeviceAcquirer struct {
	PreferredCam string
	PreferredMic string
}

func (d *DeviceAcquirer) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cs, err := newCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("%w: codecs: %v", ErrMediaDenied, err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found")
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	// GetUserMedia fails as a unit, so a busy microphone would also cost us
	// the camera. Try the combinations one by one.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind == KindVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: cs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				if d.PreferredCam != "" {
					c.DeviceID = d.PreferredCam
				}
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if d.PreferredMic != "" {
					c.DeviceID = d.PreferredMic
				}
			}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var tracks []*Track
		for _, mt := range ms.GetTracks() {
			mt := mt
			k := KindOf(mt.Kind())
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local %s track ended: %v", k, err)
				}
			})
			tracks = append(tracks, NewTrack(k, mt, mt.Close))
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return NewStream(kind, tracks...), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMediaDenied, lastErr)
}
