package media

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopchat/internal/metrics"
)

// RemoteStream collects the tracks received from the other side of a call.
type RemoteStream struct {
	id string

	mu        sync.Mutex
	kinds     map[Kind]int
	listeners map[uint64]func(Kind, *rtp.Packet)
	nextID    uint64
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{
		id:        id,
		kinds:     make(map[Kind]int),
		listeners: make(map[uint64]func(Kind, *rtp.Packet)),
	}
}

func (r *RemoteStream) ID() string { return r.id }

// Has reports whether a track of kind has been received.
func (r *RemoteStream) Has(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[kind] > 0
}

// OnPacket registers fn for every RTP packet read from any remote track.
// fn runs on the track's read goroutine and must not block.
func (r *RemoteStream) OnPacket(fn func(Kind, *rtp.Packet)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// AddTrack starts reading tr until it ends.
func (r *RemoteStream) AddTrack(tr *webrtc.TrackRemote) {
	kind := KindOf(tr.Kind())
	r.markTrack(kind)
	log.Infof("remote %s track %s (%s)", kind, tr.ID(), tr.Codec().MimeType)

	go func() {
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debugf("remote %s track %s: %v", kind, tr.ID(), err)
				}
				return
			}
			r.deliver(kind, pkt)
		}
	}()
}

func (r *RemoteStream) markTrack(kind Kind) {
	r.mu.Lock()
	r.kinds[kind]++
	r.mu.Unlock()
}

func (r *RemoteStream) deliver(kind Kind, pkt *rtp.Packet) {
	metrics.AddRTPBytes(string(kind), len(pkt.Payload))

	r.mu.Lock()
	fns := make([]func(Kind, *rtp.Packet), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(kind, pkt)
	}
}
