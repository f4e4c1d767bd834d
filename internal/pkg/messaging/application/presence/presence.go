// Package presence carries the ephemeral "is typing" signal for one
// conversation. Nothing here is persisted and nothing is guaranteed to be
// delivered: a dropped signal self-heals through the expiry timer.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
	"github.com/fluffypet/chat/internal/pkg/messaging/events"
)

// DefaultTypingTTL is how long a peer stays "typing" with no follow-up
// signal. The timer is the correctness backstop for dropped connections.
const DefaultTypingTTL = 3 * time.Second

// DefaultTypingDebounce is the quiet period after which the surface layer
// should emit SetTyping(false). The broadcaster itself never debounces;
// this constant documents the contract for callers.
const DefaultTypingDebounce = 1 * time.Second

type Option func(*Broadcaster)

// WithTTL overrides the typing auto-expiry window.
func WithTTL(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// Broadcaster emits this user's typing state on the conversation channel and
// tracks peers' state from incoming signals.
type Broadcaster struct {
	channel        chport.Channel
	conversationID string
	selfID         string
	ttl            time.Duration

	mu     sync.Mutex
	typing map[string]*time.Timer // peer user id -> expiry timer
	closed bool
}

func New(channel chport.Channel, conversationID, selfID string, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		channel:        channel,
		conversationID: conversationID,
		selfID:         selfID,
		ttl:            DefaultTypingTTL,
		typing:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetTyping broadcasts the current user's typing state. Fire-and-forget:
// a failed publish is logged and otherwise ignored, never surfaced as an
// error. Debounce discipline belongs to the caller.
func (b *Broadcaster) SetTyping(ctx context.Context, typing bool) {
	payload, err := events.Encode(events.Envelope{
		Kind:           events.KindTyping,
		ConversationID: b.conversationID,
		UserID:         b.selfID,
		Typing:         typing,
	})
	if err != nil {
		log.Printf("presence: encode typing event: %v", err)
		return
	}
	if err := b.channel.Publish(ctx, events.Topic(b.conversationID), payload); err != nil {
		log.Printf("presence: publish typing event: %v", err)
	}
}

// Apply ingests one incoming typing signal. Signals carrying our own user id
// are ignored: presence is peer-only. A true arms (or re-arms) the expiry
// timer; a false clears immediately and cancels any pending timer.
func (b *Broadcaster) Apply(userID string, typing bool) {
	if userID == "" || userID == b.selfID {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if timer, ok := b.typing[userID]; ok {
		timer.Stop()
		delete(b.typing, userID)
	}
	if !typing {
		return
	}
	b.typing[userID] = time.AfterFunc(b.ttl, func() {
		b.expire(userID)
	})
}

// Typing reports the peers currently marked as typing, sorted for stable
// rendering.
func (b *Broadcaster) Typing() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]string, 0, len(b.typing))
	for userID := range b.typing {
		peers = append(peers, userID)
	}
	sort.Strings(peers)
	return peers
}

// IsTyping reports whether the given peer is currently typing.
func (b *Broadcaster) IsTyping(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.typing[userID]
	return ok
}

// Close stops all expiry timers and drops any later signals.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for userID, timer := range b.typing {
		timer.Stop()
		delete(b.typing, userID)
	}
}

func (b *Broadcaster) expire(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.typing, userID)
}
