// Package call runs one audio/video call at a time on top of the signaling
// client.
//
// A Session is a state machine driven by a single event loop:
//
//	Idle ──initiate──► Placing ──offer sent, remote stream──► Connecting ──► Connected
//	Idle ──inbound───► Ringing ──answer──────────────────────► Connecting
//	any non-terminal ──hangup, remote close, session error──► Ended
//	any non-terminal ──media denied, unreachable, timeout, fault──► Failed
//
// Local media is released before the signaling handle is closed, on every
// path into a terminal state.
package call

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusy              = errors.New("call: another call is in progress")
	ErrIllegalTransition = errors.New("call: illegal transition")
	ErrVideoUnavailable  = errors.New("call: video is not available in this call")
	ErrClosed            = errors.New("call: manager closed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePlacing    Phase = "placing"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseEnded || p == PhaseFailed }

// Reason says why a session reached a terminal phase.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMediaDenied     Reason = "mediaDenied"
	ReasonPeerUnreachable Reason = "peerUnreachable"
	ReasonNoAnswer        Reason = "noAnswer"
	ReasonTransportFault  Reason = "transportFault"
	ReasonHangup          Reason = "hangup"
	ReasonRemoteClosed    Reason = "remoteClosed"
	ReasonSessionError    Reason = "sessionError"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// State is the single tagged value a session is in.
type State struct {
	Phase  Phase     `json:"phase"`
	Reason Reason    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (s State) String() string {
	if s.Reason != ReasonNone {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return string(s.Phase)
}

// FormatDuration renders a call duration as mm:ss; hours roll into minutes.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
