package store

import (
	"fmt"
	"time"
)

type MediaType string

const (
	MediaText  MediaType = "text"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

func (m MediaType) Valid() bool {
	switch m {
	case MediaText, MediaImage, MediaVideo, MediaAudio:
		return true
	}
	return false
}

// Profile is the public part of a users row.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

func ProfileFromRow(r Row) Profile {
	return Profile{
		ID:        r.Text("id"),
		Username:  r.Text("username"),
		AvatarURL: r.Text("avatar_url"),
		Status:    r.Text("status"),
	}
}

// Message is one messages row. Exactly one of ConversationID and GroupID is
// set. IsRead only ever moves from false to true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MediaType      MediaType `json:"media_type"`
	MediaURL       string    `json:"media_url,omitempty"`
	CreatedAt      int64     `json:"created_at"` // unix nanos, store-assigned
	IsRead         bool      `json:"is_read"`
}

func MessageFromRow(r Row) (Message, error) {
	m := Message{
		ID:             r.Text("id"),
		ConversationID: r.Text("conversation_id"),
		GroupID:        r.Text("group_id"),
		SenderID:       r.Text("sender_id"),
		Content:        r.Text("content"),
		MediaType:      MediaType(r.Text("media_type")),
		MediaURL:       r.Text("media_url"),
		CreatedAt:      r.Int64("created_at"),
		IsRead:         r.Bool("is_read"),
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("message row without id")
	}
	if m.MediaType == "" {
		m.MediaType = MediaText
	}
	return m, nil
}

func (m Message) Time() time.Time { return time.Unix(0, m.CreatedAt) }
