package usecase

import (
	"context"
	"fmt"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// GetMessageInput carries parameters to fetch the message stream of a conversation.
type GetMessageInput struct {
	ConversationID string
}

// GetMessageUseCase fetches the full ordered stream for a conversation.
// Hexagonal: depends only on repository port
// One class per use case (own file)
type GetMessageUseCase struct {
	Repo repository.MessageRepository
}

func NewGetMessageUseCase(repo repository.MessageRepository) *GetMessageUseCase {
	return &GetMessageUseCase{Repo: repo}
}

// Execute returns messages for the conversation in creation-time order
func (uc *GetMessageUseCase) Execute(ctx context.Context, in GetMessageInput) ([]messaging.Message, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("conversationId is required")
	}
	msgs, err := uc.Repo.ListMessages(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return msgs, nil
}
