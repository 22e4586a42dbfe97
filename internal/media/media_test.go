package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindAudio, ParseKind("audio"))
	assert.Equal(t, KindVideo, ParseKind("video"))
	assert.Equal(t, KindVideo, ParseKind(""))
	assert.Equal(t, KindVideo, ParseKind("hologram"))

	assert.True(t, KindAudio.Valid())
	assert.False(t, Kind("x").Valid())

	assert.Equal(t, KindAudio, KindOf(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, KindVideo, KindOf(webrtc.RTPCodecTypeVideo))
}

func TestTrackStopRunsCloserOnce(t *testing.T) {
	closes := 0
	tr := NewTrack(KindAudio, nil, func() error {
		closes++
		return errors.New("already gone")
	})

	tr.Stop()
	tr.Stop()
	assert.Equal(t, 1, closes)
	assert.True(t, tr.Stopped())
}

func TestStreamStopStopsEveryTrackOnce(t *testing.T) {
	var closes [2]int
	a := NewTrack(KindAudio, nil, func() error { closes[0]++; return nil })
	v := NewTrack(KindVideo, nil, func() error { closes[1]++; return nil })
	s := NewStream(KindVideo, a, v)

	s.Stop()
	s.Stop()
	a.Stop()

	assert.Equal(t, [2]int{1, 1}, closes)
}

func TestSetEnabledNotifiesOnChangeOnly(t *testing.T) {
	tr := NewTrack(KindVideo, nil, nil)
	var got []bool
	cancel := tr.OnEnabledChange(func(on bool) { got = append(got, on) })

	tr.SetEnabled(true) // already enabled
	tr.SetEnabled(false)
	tr.SetEnabled(false)
	tr.SetEnabled(true)
	assert.Equal(t, []bool{false, true}, got)

	cancel()
	tr.SetEnabled(false)
	assert.Len(t, got, 2)
	assert.False(t, tr.Enabled())

	tr.Stop()
	tr.SetEnabled(true)
	assert.False(t, tr.Enabled(), "stopped tracks keep their state")
}

func TestStreamSetEnabledByKind(t *testing.T) {
	s := NewStream(KindAudio, NewTrack(KindAudio, nil, nil))

	assert.False(t, s.HasVideo())
	assert.False(t, s.SetEnabled(KindVideo, false))
	assert.True(t, s.SetEnabled(KindAudio, false))
	assert.False(t, s.Enabled(KindAudio))
	assert.True(t, s.SetEnabled(KindAudio, true))
	assert.True(t, s.Enabled(KindAudio))
}

func TestAcquirerFunc(t *testing.T) {
	denied := AcquirerFunc(func(ctx context.Context, kind Kind) (*Stream, error) {
		return nil, ErrMediaDenied
	})
	_, err := denied.Acquire(context.Background(), KindVideo)
	require.ErrorIs(t, err, ErrMediaDenied)
}

func TestRemoteStreamDeliver(t *testing.T) {
	r := NewRemoteStream("s1")
	assert.Equal(t, "s1", r.ID())
	assert.False(t, r.Has(KindVideo))

	r.markTrack(KindVideo)
	assert.True(t, r.Has(KindVideo))
	assert.False(t, r.Has(KindAudio))

	var kinds []Kind
	cancel := r.OnPacket(func(k Kind, p *rtp.Packet) { kinds = append(kinds, k) })

	r.deliver(KindVideo, &rtp.Packet{Payload: []byte{1, 2, 3}})
	cancel()
	r.deliver(KindVideo, &rtp.Packet{Payload: []byte{4}})

	assert.Equal(t, []Kind{KindVideo}, kinds)
}
