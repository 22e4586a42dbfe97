package conversation

import (
	"errors"

	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/store"
)

var (
	ErrClosed              = errors.New("conversation: channel closed")
	ErrDuplicateMembership = errors.New("conversation: already a member")
	ErrEmptyMessage        = errors.New("conversation: empty message")
)

// Ref identifies a direct conversation or a group.
type Ref struct {
	ID    string `json:"id"`
	Group bool   `json:"group"`
}

// column is the messages column that scopes rows to this conversation.
func (r Ref) column() string {
	if r.Group {
		return "group_id"
	}
	return "conversation_id"
}

// Topic is the broadcast topic carrying typing pings for this conversation.
func (r Ref) Topic() string { return proto.ConversationTopic(r.ID, r.Group) }

type EventKind string

const (
	MessageAppended EventKind = "appended"
	MessageUpdated  EventKind = "updated"
	SyncFailed      EventKind = "sync_failed"
)

// Patch is the in-place change carried by MessageUpdated. Read state is the
// only mutable field of a message.
type Patch struct {
	IsRead bool `json:"is_read"`
}

// Message is a stored message with its sender's profile, when it could be
// resolved.
type Message struct {
	store.Message
	Sender *store.Profile `json:"sender,omitempty"`
}

type Event struct {
	Kind    EventKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	ID      string    `json:"id,omitempty"`
	Patch   *Patch    `json:"patch,omitempty"`
	Err     error     `json:"-"`
}

// Draft is an outgoing message.
type Draft struct {
	Content   string          `json:"content"`
	MediaType store.MediaType `json:"media_type,omitempty"`
	MediaURL  string          `json:"media_url,omitempty"`
}
