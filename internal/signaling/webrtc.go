package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopchat/internal/media"
)

// newAPI builds the WebRTC API shared by every session of a connection.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A brief relay or NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// addLocal attaches the stream's tracks to pc. Mute state follows each
// track by swapping the sender's source, so toggles never renegotiate.
// Kinds the stream cannot send get a recvonly transceiver so the SDP still
// carries the m-line.
func addLocal(pc *webrtc.PeerConnection, local *media.Stream, kind media.Kind) ([]func(), error) {
	var detach []func()
	sent := map[media.Kind]bool{}

	if local != nil {
		for _, tr := range local.Tracks() {
			src := tr.Local()
			if src == nil {
				continue
			}
			sender, err := pc.AddTrack(src)
			if err != nil {
				return detach, fmt.Errorf("add %s track: %w", tr.Kind(), err)
			}
			sent[tr.Kind()] = true

			// Drain RTCP so interceptors (NACK, reports) keep working.
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := sender.Read(buf); err != nil {
						return
					}
				}
			}()

			detach = append(detach, tr.OnEnabledChange(func(on bool) {
				var next webrtc.TrackLocal
				if on {
					next = src
				}
				if err := sender.ReplaceTrack(next); err != nil {
					log.Debugf("replace %s track: %v", tr.Kind(), err)
				}
			}))
			if !tr.Enabled() {
				_ = sender.ReplaceTrack(nil)
			}
		}
	}

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if kind == media.KindVideo {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	for _, ct := range want {
		if sent[media.KindOf(ct)] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(ct, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return detach, fmt.Errorf("add recvonly %s transceiver: %w", ct, err)
		}
	}
	return detach, nil
}

// gather waits for ICE candidate gathering so the description sent to the
// peer is complete.
func gather(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	desc := pc.LocalDescription()
	if desc == nil {
		return "", fmt.Errorf("no local description")
	}
	return desc.SDP, nil
}

// requestKeyframe asks the sender of a new video track for a keyframe so
// the picture starts without waiting for the next interval.
func requestKeyframe(pc *webrtc.PeerConnection, tr *webrtc.TrackRemote) {
	err := pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
	})
	if err != nil {
		log.Debugf("PLI for %s: %v", tr.ID(), err)
	}
}

// pcHolder guards a peer connection that is created lazily.
type pcHolder struct {
	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	detach []func()
}

func (h *pcHolder) set(pc *webrtc.PeerConnection, detach []func()) {
	h.mu.Lock()
	h.pc, h.detach = pc, detach
	h.mu.Unlock()
}

func (h *pcHolder) get() *webrtc.PeerConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pc
}

func (h *pcHolder) close() {
	h.mu.Lock()
	pc, detach := h.pc, h.detach
	h.pc, h.detach = nil, nil
	h.mu.Unlock()

	for _, d := range detach {
		d()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("close peer connection: %v", err)
		}
	}
}
