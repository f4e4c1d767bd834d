package usecase

import (
	"context"
	"fmt"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// ResolveConversationInput identifies the conversation by business context.
// Exactly one of booking, appointment or peer must be set on the context.
type ResolveConversationInput struct {
	TenantID string
	Context  messaging.ConversationContext
}

// ResolveConversationUseCase maps a business context to its single canonical
// conversation, creating it on first contact.
type ResolveConversationUseCase struct {
	Repo repository.ConversationRepository
}

func NewResolveConversationUseCase(repo repository.ConversationRepository) *ResolveConversationUseCase {
	return &ResolveConversationUseCase{Repo: repo}
}

func (uc *ResolveConversationUseCase) Execute(ctx context.Context, in ResolveConversationInput) (messaging.Conversation, error) {
	if err := in.Context.Validate(); err != nil {
		return messaging.Conversation{}, err
	}
	conv, err := uc.Repo.FindOrCreateConversation(ctx, in.TenantID, in.Context)
	if err != nil {
		return messaging.Conversation{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return conv, nil
}
