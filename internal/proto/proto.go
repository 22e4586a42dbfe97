// Package proto holds the protocol IDs, topic names and wire payloads shared
// by the presence, typing and call signaling layers.
package proto

import "time"

const (
	MdnsTag = "goopchat-mdns"

	// libp2p stream protocol ID for call signaling (offer/answer/hangup).
	SignalProtoID = "/goopchat/signal/1.0.0"
)

// ── Topic names ───────────────────────────────────────────────────────────────
const (
	// Default presence topic, shared by every conversation view.
	PresenceTopic = "online-users"

	// Conversation broadcast topics carry ephemeral typing pings only.
	TopicChatPrefix  = "chat:"  // + conversationID
	TopicGroupPrefix = "group:" // + groupID

	EventTyping = "typing"

	// Store replication: committed rows and catch-up requests between peers.
	ReplicaTopic = "store-sync"
	EventRows    = "rows"
	EventCatchUp = "catch-up"
)

// ConversationTopic returns the broadcast topic for a direct or group
// conversation.
func ConversationTopic(id string, group bool) string {
	if group {
		return TopicGroupPrefix + id
	}
	return TopicChatPrefix + id
}

// TypingPayload is broadcast on a conversation topic while a user types.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ReplicaRows carries rows of one table as they were committed on the sender.
// Integer columns must be decoded with json.Decoder.UseNumber: created_at is
// unix nanoseconds and does not survive a float64.
type ReplicaRows struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// CatchUpRequest asks every peer for rows the sender may have missed while it
// was away. Since is a created_at bound in unix nanoseconds.
type CatchUpRequest struct {
	From  string `json:"from"`
	Since int64  `json:"since"`
}

// PresenceMeta is the payload each node tracks on the presence topic.
type PresenceMeta struct {
	OnlineAt string   `json:"online_at"` // RFC 3339
	PeerID   string   `json:"peer_id,omitempty"`
	Addrs    []string `json:"addrs,omitempty"` // WAN multiaddrs of PeerID
}

// ── Call signal types ─────────────────────────────────────────────────────────
//
//   caller                          callee
//   ──────────────────────────────────────────────────────────────
//   call-offer (sdp, metadata) ─────► incoming call
//              ◄──────────────────── call-answer (sdp)   on answer
//              ◄──────────────────── call-decline        when busy
//   call-hangup ◄──────────────────► call-hangup         either side, any time
//
// ICE is not trickled: each side waits for candidate gathering to finish
// before sending its description.
const (
	CallTypeOffer   = "call-offer"
	CallTypeAnswer  = "call-answer"
	CallTypeDecline = "call-decline"
	CallTypeHangup  = "call-hangup"
)

// CallMetadata travels with the offer. Type is "audio" or "video".
type CallMetadata struct {
	Type string `json:"type"`
}

// SignalMsg is one newline-delimited JSON frame on SignalProtoID.
type SignalMsg struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`         // uuid4, per frame
	SessionID string        `json:"session_id"` // stable for the whole call
	From      string        `json:"from"`       // sender user id
	To        string        `json:"to"`         // target user id
	SDP       string        `json:"sdp,omitempty"`
	Metadata  *CallMetadata `json:"metadata,omitempty"`
	TS        int64         `json:"ts"`
}

// SignalAck is written back on the same stream once a frame was accepted.
type SignalAck struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
