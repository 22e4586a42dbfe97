package call

import "github.com/petervdpas/goopchat/internal/signaling"

// trigger is anything that may move a session: user gestures, results of
// the session's own async steps, signaling callbacks and timers.
type trigger string

const (
	trInitiate     trigger = "initiate"
	trInbound      trigger = "inbound"
	trMediaReady   trigger = "mediaReady"
	trMediaDenied  trigger = "mediaDenied"
	trOfferSent    trigger = "offerSent"
	trUnreachable  trigger = "peerUnreachable"
	trFault        trigger = "transportFault"
	trTimeout      trigger = "timeout"
	trAnswer       trigger = "answer"
	trAnswerSent   trigger = "answerSent"
	trRemoteStream trigger = "remoteStream"
	trToggle       trigger = "toggle"
	trHangup       trigger = "hangup"
	trRemoteClosed trigger = "remoteClosed"
	trSessionError trigger = "sessionError"
)

type phaseTrigger struct {
	phase   Phase
	trigger trigger
}

type target struct {
	phase  Phase
	reason Reason
}

var transitions = buildTransitions()

func buildTransitions() map[phaseTrigger]target {
	t := map[phaseTrigger]target{
		{PhaseIdle, trInitiate}: {PhasePlacing, ReasonNone},
		{PhaseIdle, trInbound}:  {PhaseRinging, ReasonNone},

		{PhasePlacing, trMediaReady}:   {PhasePlacing, ReasonNone},
		{PhasePlacing, trMediaDenied}:  {PhaseFailed, ReasonMediaDenied},
		{PhasePlacing, trOfferSent}:    {PhasePlacing, ReasonNone},
		{PhasePlacing, trUnreachable}:  {PhaseFailed, ReasonPeerUnreachable},
		{PhasePlacing, trTimeout}:      {PhaseFailed, ReasonNoAnswer},
		{PhasePlacing, trRemoteStream}: {PhaseConnecting, ReasonNone},

		{PhaseRinging, trMediaReady}:  {PhaseRinging, ReasonNone},
		{PhaseRinging, trMediaDenied}: {PhaseFailed, ReasonMediaDenied},
		{PhaseRinging, trAnswer}:      {PhaseConnecting, ReasonNone},

		{PhaseConnecting, trAnswerSent}:   {PhaseConnecting, ReasonNone},
		{PhaseConnecting, trUnreachable}:  {PhaseFailed, ReasonPeerUnreachable},
		{PhaseConnecting, trRemoteStream}: {PhaseConnected, ReasonNone},

		{PhaseConnected, trToggle}: {PhaseConnected, ReasonNone},
	}
	for _, p := range []Phase{PhasePlacing, PhaseRinging, PhaseConnecting, PhaseConnected} {
		t[phaseTrigger{p, trHangup}] = target{PhaseEnded, ReasonHangup}
		t[phaseTrigger{p, trRemoteClosed}] = target{PhaseEnded, ReasonRemoteClosed}
		t[phaseTrigger{p, trSessionError}] = target{PhaseEnded, ReasonSessionError}
		t[phaseTrigger{p, trFault}] = target{PhaseFailed, ReasonTransportFault}
	}
	return t
}

func next(p Phase, tr trigger) (target, error) {
	to, ok := transitions[phaseTrigger{p, tr}]
	if !ok {
		return target{}, ErrIllegalTransition
	}
	return to, nil
}

// errTrigger classifies a signaling failure.
func errTrigger(err error) trigger {
	switch signaling.KindOf(err) {
	case signaling.KindPeerUnreachable:
		return trUnreachable
	case signaling.KindTransportFault:
		return trFault
	default:
		return trSessionError
	}
}
