package messaging

import (
	"errors"
	"strings"
	"time"
)

// MessageKind represents type of message content
// 0=text, 1=image, 2=file
type MessageKind int16

const (
	MessageKindText  MessageKind = 0
	MessageKindImage MessageKind = 1
	MessageKindFile  MessageKind = 2
)

// Message is an immutable log entry in a conversation. Only the read-receipt
// fields (IsRead/ReadAt) ever change after insert, and only through the
// recipient's mark-read path.
type Message struct {
	ID             string      `db:"id"`
	ConversationID string      `db:"conversation_id"`
	SenderID       string      `db:"sender_id"`
	Kind           MessageKind `db:"kind"`
	Body           *string     `db:"body"`
	MediaRef       *string     `db:"media_ref"`
	DedupeKey      *string     `db:"dedupe_key"`
	CreatedAt      time.Time   `db:"created_at"`
	IsRead         bool        `db:"is_read"`
	ReadAt         *time.Time  `db:"read_at"`

	// Denormalized sender display fields, joined from profile at read time.
	SenderName   string `db:"sender_name"`
	SenderAvatar string `db:"sender_avatar"`
}

func NewMessage(m Message) (*Message, error) {
	if m.ConversationID == "" || m.SenderID == "" {
		return nil, errors.New("conversation_id and sender_id are required")
	}

	if m.Body != nil {
		trimmed := strings.TrimSpace(*m.Body)
		if trimmed == "" {
			m.Body = nil
		} else {
			m.Body = &trimmed
		}
	}

	switch m.Kind {
	case MessageKindText:
		if m.Body == nil {
			return nil, errors.New("text message must contain a body")
		}
	case MessageKindImage, MessageKindFile:
		if m.MediaRef == nil || strings.TrimSpace(*m.MediaRef) == "" {
			return nil, errors.New("media message must contain a media reference")
		}
	default:
		return nil, errors.New("unknown message kind")
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	return &m, nil
}

// Before reports whether m sorts ahead of other in the canonical visible
// order: creation time ascending, message id as the tiebreak.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Profile is read-only reference data for participant display.
type Profile struct {
	UserID      string `db:"user_id"`
	DisplayName string `db:"display_name"`
	AvatarURL   string `db:"avatar_url"`
}
