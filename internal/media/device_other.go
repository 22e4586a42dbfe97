//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// RegisterCodecs registers pion's default codec set. There is no local
// capture on this platform, so the remote side decides what is sent.
func RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// DeviceAcquirer has no capture drivers outside Linux.
type DeviceAcquirer struct {
	PreferredCam string
	PreferredMic string
}

func (d *DeviceAcquirer) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaDenied, runtime.GOOS)
}
