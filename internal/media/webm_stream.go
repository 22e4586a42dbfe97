package media

import (
	"bytes"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	// Packets a sample builder waits for before giving up on a frame.
	maxLate = 128

	// Audio frames held while waiting for the next video frame (~5 s).
	maxAudioQueue = 250

	// Default picture size when the first keyframe carries no header.
	fallbackWidth  = 640
	fallbackHeight = 480
)

type audioFrame struct {
	ms   int64
	data []byte
}

// WebMStream remuxes a RemoteStream into live WebM for a browser <video>
// fed through Media Source Extensions. The first message to a subscriber is
// the init segment, then the last keyframe cluster, then live clusters.
type WebMStream struct {
	mu        sync.Mutex
	id        string
	cancel    func()
	closed    bool
	withAudio bool

	videoSB *samplebuilder.SampleBuilder
	audioSB *samplebuilder.SampleBuilder

	// RTP clocks start at random values; both tracks are rebased to zero.
	videoBase, audioBase       uint32
	videoBaseSet, audioBaseSet bool
	videoMs, audioMs           int64

	init        []byte
	lastKey     []byte
	openStartMs int64
	openKey     bool
	open        bool
	blocks      bytes.Buffer
	audioQ      []audioFrame

	subs map[chan []byte]struct{}
}

// NewWebMStream starts remuxing remote. Audio is included when an audio
// track has arrived by the first video keyframe.
func NewWebMStream(remote *RemoteStream) *WebMStream {
	w := &WebMStream{
		id:      remote.ID(),
		videoSB: samplebuilder.New(maxLate, &codecs.VP8Packet{}, 90000),
		audioSB: samplebuilder.New(maxLate, &codecs.OpusPacket{}, 48000),
		subs:    make(map[chan []byte]struct{}),
	}
	w.cancel = remote.OnPacket(func(kind Kind, pkt *rtp.Packet) {
		w.push(kind, pkt, remote)
	})
	return w
}

// Subscribe returns a channel of binary WebM messages. Slow subscribers
// miss clusters rather than stall the call.
func (w *WebMStream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if w.init != nil {
		ch <- w.init
		if w.lastKey != nil {
			ch <- w.lastKey
		}
	}
	w.subs[ch] = struct{}{}
	n := len(w.subs)
	w.mu.Unlock()
	log.Debugf("webm %s: subscriber added (total=%d)", shortID(w.id), n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			if _, ok := w.subs[ch]; ok {
				delete(w.subs, ch)
				close(ch)
			}
			w.mu.Unlock()
		})
	}
}

// Close detaches from the remote stream and ends every subscription.
func (w *WebMStream) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	cancel := w.cancel
	w.mu.Unlock()
	cancel()
}

func (w *WebMStream) push(kind Kind, pkt *rtp.Packet, remote *RemoteStream) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if kind == KindAudio {
		w.audioSB.Push(pkt)
		for s := w.audioSB.Pop(); s != nil; s = w.audioSB.Pop() {
			if !w.audioBaseSet {
				w.audioBase, w.audioBaseSet = s.PacketTimestamp, true
			}
			ms := int64(s.PacketTimestamp-w.audioBase) / 48
			w.audioQ = append(w.audioQ, audioFrame{ms, s.Data})
		}
		if n := len(w.audioQ) - maxAudioQueue; n > 0 {
			w.audioQ = append(w.audioQ[:0], w.audioQ[n:]...)
		}
		return
	}

	w.videoSB.Push(pkt)
	for s := w.videoSB.Pop(); s != nil; s = w.videoSB.Pop() {
		if !w.videoBaseSet {
			w.videoBase, w.videoBaseSet = s.PacketTimestamp, true
		}
		ms := int64(s.PacketTimestamp-w.videoBase) / 90
		w.videoFrameLocked(ms, s.Data, remote)
	}
}

func (w *WebMStream) videoFrameLocked(ms int64, frame []byte, remote *RemoteStream) {
	key, width, height := vp8Keyframe(frame)

	if w.init == nil {
		if !key {
			return // MSE can only start on a keyframe
		}
		if width == 0 || height == 0 {
			width, height = fallbackWidth, fallbackHeight
		}
		w.withAudio = remote.Has(KindAudio)
		w.init = initSegment(width, height, w.withAudio)
		log.Infof("webm %s: init segment VP8 %dx%d audio=%v", shortID(w.id), width, height, w.withAudio)
		w.broadcastLocked(w.init)
	}

	if !w.open {
		// Anchor at the earliest queued audio so relative times stay >= 0.
		w.openStartMs = ms
		if len(w.audioQ) > 0 && w.audioQ[0].ms < ms {
			w.openStartMs = w.audioQ[0].ms
		}
		w.open, w.openKey = true, key
		w.blocks.Reset()

		if w.withAudio {
			for _, af := range w.audioQ {
				rel := af.ms - w.openStartMs
				if rel < -30000 || rel > 30000 {
					continue
				}
				w.blocks.Write(simpleBlock(trackAudio, int16(rel), false, af.data))
			}
		}
		w.audioQ = w.audioQ[:0]
	}

	w.blocks.Write(simpleBlock(trackVideo, int16(ms-w.openStartMs), key, frame))
	w.flushLocked()
}

func (w *WebMStream) flushLocked() {
	if !w.open || w.blocks.Len() == 0 {
		w.open = false
		return
	}
	c := cluster(w.openStartMs, w.blocks.Bytes())
	if w.openKey {
		w.lastKey = c
	}
	w.open, w.openKey = false, false
	w.blocks.Reset()
	w.broadcastLocked(c)
}

func (w *WebMStream) broadcastLocked(data []byte) {
	for ch := range w.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
