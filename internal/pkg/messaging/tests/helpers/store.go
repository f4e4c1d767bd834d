// Package helpers provides in-memory fakes for the messaging ports so the
// core can be exercised without Postgres or Redis.
package helpers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// FakeStore is an in-memory MessagingRepository. Timestamps are assigned by
// NowFunc at insert time, mirroring the store-assigned created_at of the pg
// adapter. Error fields, when set, make the matching operation fail.
type FakeStore struct {
	mu        sync.Mutex
	byContext map[string]messaging.Conversation
	byID      map[string]messaging.Conversation
	msgs      map[string]messaging.Message
	profiles  map[string]messaging.Profile
	seq       int

	NowFunc func() time.Time

	ResolveErr  error
	InsertErr   error
	ListErr     error
	GetErr      error
	MarkReadErr error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		byContext: make(map[string]messaging.Conversation),
		byID:      make(map[string]messaging.Conversation),
		msgs:      make(map[string]messaging.Message),
		profiles:  make(map[string]messaging.Profile),
		NowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

var _ repository.MessagingRepository = (*FakeStore)(nil)

func (f *FakeStore) FindOrCreateConversation(ctx context.Context, tenantID string, cc messaging.ConversationContext) (messaging.Conversation, error) {
	if err := cc.Validate(); err != nil {
		return messaging.Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResolveErr != nil {
		return messaging.Conversation{}, f.ResolveErr
	}

	key := cc.CacheKey()
	if conv, ok := f.byContext[key]; ok {
		return conv, nil
	}

	f.seq++
	conv := messaging.Conversation{
		ID:        fmt.Sprintf("conv-%04d", f.seq),
		TenantID:  tenantID,
		CreatedAt: f.NowFunc(),
	}
	switch {
	case cc.BookingID != "":
		id := cc.BookingID
		conv.BookingID = &id
	case cc.AppointmentID != "":
		id := cc.AppointmentID
		conv.AppointmentID = &id
	default:
		low, high := cc.PairKey()
		conv.UserLowID = &low
		conv.UserHighID = &high
	}
	f.byContext[key] = conv
	f.byID[conv.ID] = conv
	return conv, nil
}

func (f *FakeStore) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.byID[id]
	if !ok {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return conv, nil
}

func (f *FakeStore) InsertMessage(ctx context.Context, m messaging.Message) (messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InsertErr != nil {
		return messaging.Message{}, f.InsertErr
	}
	f.seq++
	m.ID = fmt.Sprintf("msg-%04d", f.seq)
	m.CreatedAt = f.NowFunc()
	m.IsRead = false
	m.ReadAt = nil
	if p, ok := f.profiles[m.SenderID]; ok {
		m.SenderName = p.DisplayName
		m.SenderAvatar = p.AvatarURL
	}
	f.msgs[m.ID] = m
	return m, nil
}

// SeedMessage inserts a row with a caller-chosen timestamp, for simulating
// concurrent senders whose store-assigned times differ from arrival order.
func (f *FakeStore) SeedMessage(conversationID, senderID, body string, createdAt time.Time) messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	b := body
	m := messaging.Message{
		ID:             fmt.Sprintf("msg-%04d", f.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           messaging.MessageKindText,
		Body:           &b,
		CreatedAt:      createdAt,
	}
	if p, ok := f.profiles[senderID]; ok {
		m.SenderName = p.DisplayName
		m.SenderAvatar = p.AvatarURL
	}
	f.msgs[m.ID] = m
	return m
}

func (f *FakeStore) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return messaging.Message{}, f.GetErr
	}
	m, ok := f.msgs[id]
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	return m, nil
}

func (f *FakeStore) ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []messaging.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (f *FakeStore) MarkMessagesRead(ctx context.Context, conversationID string, readerID string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarkReadErr != nil {
		return nil, f.MarkReadErr
	}
	var updated []string
	for _, id := range ids {
		m, ok := f.msgs[id]
		if !ok || m.ConversationID != conversationID || m.SenderID == readerID || m.IsRead {
			continue
		}
		at := f.NowFunc()
		m.IsRead = true
		m.ReadAt = &at
		f.msgs[id] = m
		updated = append(updated, id)
	}
	return updated, nil
}

func (f *FakeStore) GetProfile(ctx context.Context, userID string) (messaging.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return messaging.Profile{UserID: userID}, nil
	}
	return p, nil
}

func (f *FakeStore) SeedProfile(p messaging.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
}
