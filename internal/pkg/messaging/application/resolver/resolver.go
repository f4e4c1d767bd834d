// Package resolver maps a chat initiation context (booking, appointment, or
// direct peer) onto its single durable conversation id.
package resolver

import (
	"context"
	"fmt"
	"sync"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// Resolver performs idempotent find-or-create resolution and memoizes the
// result per context for the lifetime of the surface session. The uniqueness
// guarantee itself lives in the store; the resolver only orchestrates and
// treats "already exists" as success.
type Resolver struct {
	repo     repository.ConversationRepository
	tenantID string

	mu    sync.Mutex
	cache map[string]string // context cache key -> conversation id
}

func New(repo repository.ConversationRepository, tenantID string) *Resolver {
	return &Resolver{
		repo:     repo,
		tenantID: tenantID,
		cache:    make(map[string]string),
	}
}

// Resolve returns the conversation id for the context, creating the
// conversation on first use. Context validation errors (ErrNoContext,
// ErrAmbiguousContext) signal a miswired caller and are returned as-is;
// store failures are wrapped in ErrResolutionFailed and are terminal for
// the attempt, with no automatic retry.
func (r *Resolver) Resolve(ctx context.Context, cc messaging.ConversationContext) (string, error) {
	if err := cc.Validate(); err != nil {
		return "", err
	}

	key := cc.CacheKey()
	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	conv, err := r.repo.FindOrCreateConversation(ctx, r.tenantID, cc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", messaging.ErrResolutionFailed, err)
	}

	r.mu.Lock()
	r.cache[key] = conv.ID
	r.mu.Unlock()
	return conv.ID, nil
}
