package media

import (
	"encoding/binary"
	"math"
)

// Minimal EBML writer for live WebM: an init segment (header, unknown-size
// Segment, Info, Tracks) followed by self-contained Clusters.

const (
	trackVideo = 1
	trackAudio = 2
)

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// unknownSize marks a streaming Segment whose length is never written.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// opusHead is the OpusHead codec private block: mono, 48 kHz, 312 samples
// pre-skip.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

// ebml accumulates encoded elements.
type ebml []byte

// vint encodes an element size (up to 4 bytes).
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// uintBytes is v in the fewest big-endian bytes.
func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	i := 0
	for b[i] == 0 {
		i++
	}
	return append([]byte(nil), b[i:]...)
}

func (e ebml) raw(b []byte) ebml { return append(e, b...) }

func (e ebml) elem(id, data []byte) ebml {
	e = append(e, id...)
	e = append(e, vint(uint64(len(data)))...)
	return append(e, data...)
}

func (e ebml) uintElem(id []byte, v uint64) ebml { return e.elem(id, uintBytes(v)) }

func (e ebml) strElem(id []byte, s string) ebml { return e.elem(id, []byte(s)) }

func (e ebml) floatElem(id []byte, f float32) ebml {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
	return e.elem(id, b[:])
}

// initSegment describes a VP8 video track and, optionally, an Opus track.
func initSegment(width, height uint16, withAudio bool) []byte {
	header := ebml{}.
		uintElem(idEBMLVersion, 1).
		uintElem(idEBMLReadVer, 1).
		uintElem(idEBMLMaxIDLen, 4).
		uintElem(idEBMLMaxSzLen, 8).
		strElem(idDocType, "webm").
		uintElem(idDocTypeVer, 2).
		uintElem(idDocTypeRdVer, 2)

	info := ebml{}.
		uintElem(idTcScale, 1_000_000). // 1 ms per tick
		strElem(idMuxApp, "goopchat").
		strElem(idWrtApp, "goopchat")

	video := ebml{}.
		uintElem(idTrackNum, trackVideo).
		uintElem(idTrackUID, trackVideo).
		uintElem(idTrackType, 1).
		strElem(idCodecID, "V_VP8").
		elem(idVideo, ebml{}.uintElem(idPixelW, uint64(width)).uintElem(idPixelH, uint64(height)))
	tracks := ebml{}.elem(idTrackEntry, video)

	if withAudio {
		audio := ebml{}.
			uintElem(idTrackNum, trackAudio).
			uintElem(idTrackUID, trackAudio).
			uintElem(idTrackType, 2).
			strElem(idCodecID, "A_OPUS").
			elem(idCodecPrv, opusHead).
			elem(idAudio, ebml{}.floatElem(idSampFreq, 48000).uintElem(idChannels, 1))
		tracks = tracks.elem(idTrackEntry, audio)
	}

	return ebml{}.
		elem(idEBML, header).
		raw(idSegment).raw(unknownSize).
		elem(idInfo, info).
		elem(idTracks, tracks)
}

// cluster wraps pre-encoded SimpleBlocks with a known size.
func cluster(startMs int64, blocks []byte) []byte {
	body := ebml{}.uintElem(idTimecode, uint64(startMs)).raw(blocks)
	return ebml{}.elem(idCluster, body)
}

// simpleBlock encodes one frame; relMs is relative to the cluster start.
func simpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	tn := vint(uint64(track))
	body := make([]byte, len(tn)+3+len(data))
	copy(body, tn)
	binary.BigEndian.PutUint16(body[len(tn):], uint16(relMs))
	if keyframe {
		body[len(tn)+2] = 0x80
	}
	copy(body[len(tn)+3:], data)
	return ebml{}.elem(idSimpleBlock, body)
}

// vp8Keyframe reports whether a VP8 frame is a keyframe and, if so, reads
// its dimensions from the uncompressed header.
func vp8Keyframe(frame []byte) (key bool, width, height uint16) {
	if len(frame) < 3 || frame[0]&0x01 != 0 {
		return false, 0, 0
	}
	if len(frame) >= 10 && frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		return true, binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return true, 0, 0
}
