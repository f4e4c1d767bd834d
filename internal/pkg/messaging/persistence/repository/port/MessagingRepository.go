package repository

import (
	"context"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
)

// ConversationRepository owns conversation identity. FindOrCreate must be
// idempotent under concurrent callers: the store's uniqueness constraints are
// the source of truth, and "already exists" is success, not an error.
type ConversationRepository interface {
	FindOrCreateConversation(ctx context.Context, tenantID string, cc messaging.ConversationContext) (messaging.Conversation, error)
	GetConversation(ctx context.Context, id string) (messaging.Conversation, error)
}

// MessageRepository persists and reads the durable message stream.
type MessageRepository interface {
	// InsertMessage persists m, letting the store assign id and timestamp,
	// and returns the stored row.
	InsertMessage(ctx context.Context, m messaging.Message) (messaging.Message, error)

	// GetMessage fetches one row including the denormalized sender display fields.
	GetMessage(ctx context.Context, id string) (messaging.Message, error)

	// ListMessages returns the full stream for a conversation in canonical
	// order: created_at ascending, id as tiebreak.
	ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error)

	// MarkMessagesRead flips the read flag for the given ids, excluding any
	// row the reader sent themselves, and returns the ids actually updated.
	MarkMessagesRead(ctx context.Context, conversationID string, readerID string, ids []string) ([]string, error)
}

// ProfileRepository reads participant display data. Reference data only;
// the messaging core never writes profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (messaging.Profile, error)
}

// MessagingRepository is the full persistence surface the pg adapter implements.
type MessagingRepository interface {
	ConversationRepository
	MessageRepository
	ProfileRepository
}
