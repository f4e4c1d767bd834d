package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/resolver"
	"github.com/fluffypet/chat/internal/pkg/messaging/events"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
	"github.com/fluffypet/chat/internal/pkg/messaging/tests/helpers"
)

var bookingCtx = messaging.ConversationContext{BookingID: "bk_1"}

func newTestSyncer(t *testing.T, selfID string, opts ...Option) (*Synchronizer, *helpers.FakeStore, *helpers.FakeChannel) {
	t.Helper()
	store := helpers.NewFakeStore()
	ch := helpers.NewFakeChannel()
	res := resolver.New(store, "tenant-1")
	s := New(res, store, ch, selfID, bookingCtx, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, store, ch
}

func mustOpen(t *testing.T, s *Synchronizer) string {
	t.Helper()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if state, _ := s.State(); state != StateLive {
		t.Fatalf("expected live after open, got %s", state)
	}
	return s.ConversationID()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func bodyOf(m messaging.Message) string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

func TestOpenLoadsMessagesInCanonicalOrder(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")

	conv, err := store.FindOrCreateConversation(context.Background(), "tenant-1", bookingCtx)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Seed out of timestamp order; the load must come back ascending.
	store.SeedMessage(conv.ID, "user-b", "third", base.Add(2*time.Second))
	store.SeedMessage(conv.ID, "user-a", "first", base)
	store.SeedMessage(conv.ID, "user-b", "second", base.Add(time.Second))

	mustOpen(t, s)

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got := bodyOf(msgs[i]); got != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestInsertEventAppendsWithSenderDisplayFields(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	store.SeedProfile(messaging.Profile{UserID: "user-b", DisplayName: "Groomer Bea", AvatarURL: "https://cdn/ava.png"})
	convID := mustOpen(t, s)

	seeded := store.SeedMessage(convID, "user-b", "hi there", time.Now().UTC())
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: seeded.ID})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].SenderName != "Groomer Bea" {
		t.Fatalf("expected joined sender display name, got %q", msgs[0].SenderName)
	}
}

func TestDelayedDeliveryKeepsTimestampOrder(t *testing.T) {
	// bk_1 scenario: A sends "hello" at t=0, B sends "hi" at t=1 but the
	// insert event reaches A long after. Final order follows the store
	// timestamps, not arrival.
	s, store, _ := newTestSyncer(t, "user-a")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.NowFunc = func() time.Time { return base }

	convID := mustOpen(t, s)

	if _, err := s.Send(context.Background(), "hello", messaging.MessageKindText, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	late := store.SeedMessage(convID, "user-b", "hi", base.Add(time.Second))
	// Simulated network delay before the event lands.
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: late.ID})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if bodyOf(msgs[0]) != "hello" || bodyOf(msgs[1]) != "hi" {
		t.Fatalf("wrong order: %q then %q", bodyOf(msgs[0]), bodyOf(msgs[1]))
	}
}

func TestReversedArrivalConvergesOnSameOrder(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := store.SeedMessage(convID, "user-b", "earlier", base)
	later := store.SeedMessage(convID, "user-a", "later", base.Add(time.Second))

	// Later-stamped event arrives first.
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: later.ID})
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: earlier.ID})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if bodyOf(msgs[0]) != "earlier" || bodyOf(msgs[1]) != "later" {
		t.Fatalf("wrong order: %q then %q", bodyOf(msgs[0]), bodyOf(msgs[1]))
	}
}

func TestSendProducesNoDuplicateBubble(t *testing.T) {
	s, _, _ := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	stored, err := s.Send(context.Background(), "hello", messaging.MessageKindText, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The echoed insert event for our own send must be a no-op.
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: stored.ID})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", len(msgs))
	}
	if msgs[0].ID != stored.ID {
		t.Fatalf("optimistic entry not reconciled: id %q", msgs[0].ID)
	}
}

func TestSendFailureLeavesNoGhostEntry(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	mustOpen(t, s)

	store.InsertErr = errors.New("insert rejected")
	_, err := s.Send(context.Background(), "hello", messaging.MessageKindText, nil)
	if !errors.Is(err, messaging.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("expected empty list after failed send, got %d entries", got)
	}
	if state, _ := s.State(); state != StateLive {
		t.Fatalf("failed send must not corrupt state, got %s", state)
	}
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	base := time.Now().UTC()
	mine := store.SeedMessage(convID, "user-a", "mine", base)
	theirs := store.SeedMessage(convID, "user-b", "theirs", base.Add(time.Second))
	if err := s.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}

	s.MarkRead(context.Background(), []string{mine.ID, theirs.ID})

	got, err := store.GetMessage(context.Background(), mine.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.IsRead {
		t.Fatalf("own message must not be marked read")
	}
	got, err = store.GetMessage(context.Background(), theirs.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.IsRead || got.ReadAt == nil {
		t.Fatalf("peer message should be read with a timestamp")
	}
}

func TestReadReceiptPatchesInPlace(t *testing.T) {
	// B marks A's message read; A's entry flips in place with a non-null
	// read timestamp, no reorder, no duplicate.
	s, store, _ := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	base := time.Now().UTC()
	first := store.SeedMessage(convID, "user-a", "question", base)
	store.SeedMessage(convID, "user-b", "answer", base.Add(time.Second))
	if err := s.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}

	updated, err := store.MarkMessagesRead(context.Background(), convID, "user-b", []string{first.ID})
	if err != nil || len(updated) != 1 {
		t.Fatalf("MarkMessagesRead: %v updated=%v", err, updated)
	}
	s.dispatch(events.Envelope{Kind: events.KindMessageUpdate, ConversationID: convID, MessageID: first.ID})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(msgs))
	}
	if msgs[0].ID != first.ID {
		t.Fatalf("update must not reorder: first entry is %q", msgs[0].ID)
	}
	if !msgs[0].IsRead || msgs[0].ReadAt == nil {
		t.Fatalf("expected read flag and timestamp on first entry")
	}
	if msgs[1].IsRead {
		t.Fatalf("second entry must be untouched")
	}
}

func TestPostCloseSilence(t *testing.T) {
	s, store, ch := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	early := store.SeedMessage(convID, "user-b", "before close", time.Now().UTC())
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: early.ID})
	frozen := s.Messages()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close must be idempotent: %v", err)
	}
	if got := ch.SubscriberCount(events.Topic(convID)); got != 0 {
		t.Fatalf("subscription leaked: %d subscribers", got)
	}

	late := store.SeedMessage(convID, "user-b", "after close", time.Now().UTC())
	s.dispatch(events.Envelope{Kind: events.KindMessageInsert, ConversationID: convID, MessageID: late.ID})
	s.dispatch(events.Envelope{Kind: events.KindMessageUpdate, ConversationID: convID, MessageID: early.ID})

	after := s.Messages()
	if len(after) != len(frozen) {
		t.Fatalf("list changed after close: %d -> %d", len(frozen), len(after))
	}
	if after[0].IsRead != frozen[0].IsRead {
		t.Fatalf("entry mutated after close")
	}
}

func TestTwoClientsConvergeOverChannel(t *testing.T) {
	store := helpers.NewFakeStore()
	ch := helpers.NewFakeChannel()

	a := New(resolver.New(store, "tenant-1"), store, ch, "user-a", bookingCtx)
	b := New(resolver.New(store, "tenant-1"), store, ch, "user-b", bookingCtx)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	mustOpen(t, a)
	mustOpen(t, b)

	if _, err := a.Send(context.Background(), "hello", messaging.MessageKindText, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "peer delivery", func() bool { return len(b.Messages()) == 1 })
	got := b.Messages()
	if bodyOf(got[0]) != "hello" || got[0].SenderID != "user-a" {
		t.Fatalf("unexpected delivered message: %+v", got[0])
	}
}

// gatedRepo delays ListMessages until released, to pry open the window
// between subscription setup and load completion.
type gatedRepo struct {
	repository.MessageRepository
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (g *gatedRepo) ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	g.startOnce.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MessageRepository.ListMessages(ctx, conversationID)
}

func TestEventsDuringLoadAreBufferedAndFlushed(t *testing.T) {
	store := helpers.NewFakeStore()
	ch := helpers.NewFakeChannel()
	res := resolver.New(store, "tenant-1")

	conv, err := store.FindOrCreateConversation(context.Background(), "tenant-1", bookingCtx)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SeedMessage(conv.ID, "user-b", "loaded", base)

	gated := &gatedRepo{
		MessageRepository: store,
		started:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	s := New(res, gated, ch, "user-a", bookingCtx)
	t.Cleanup(func() { _ = s.Close() })

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(context.Background()) }()
	<-gated.started

	// Load is in flight; an insert event arrives on the live subscription.
	during := store.SeedMessage(conv.ID, "user-b", "during load", base.Add(time.Second))
	payload, err := events.Encode(events.Envelope{Kind: events.KindMessageInsert, ConversationID: conv.ID, MessageID: during.ID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ch.Publish(context.Background(), events.Topic(conv.ID), payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "event buffered", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.buffered) == 1
	})

	close(gated.release)
	if err := <-openErr; err != nil {
		t.Fatalf("Open: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected loaded + buffered message, got %d", len(msgs))
	}
	if bodyOf(msgs[0]) != "loaded" || bodyOf(msgs[1]) != "during load" {
		t.Fatalf("wrong order after flush: %q then %q", bodyOf(msgs[0]), bodyOf(msgs[1]))
	}
}

func TestOpenFailureTransitions(t *testing.T) {
	t.Run("resolution", func(t *testing.T) {
		s, store, _ := newTestSyncer(t, "user-a")
		store.ResolveErr = errors.New("store down")
		err := s.Open(context.Background())
		if !errors.Is(err, messaging.ErrResolutionFailed) {
			t.Fatalf("expected ErrResolutionFailed, got %v", err)
		}
		state, failure := s.State()
		if state != StateError || failure == nil {
			t.Fatalf("expected error state with cause, got %s %v", state, failure)
		}
	})

	t.Run("subscription", func(t *testing.T) {
		s, _, ch := newTestSyncer(t, "user-a")
		ch.SubscribeErr = errors.New("channel refused")
		err := s.Open(context.Background())
		if !errors.Is(err, messaging.ErrSubscriptionFailed) {
			t.Fatalf("expected ErrSubscriptionFailed, got %v", err)
		}
		if state, _ := s.State(); state != StateError {
			t.Fatalf("expected error state, got %s", state)
		}
	})

	t.Run("load", func(t *testing.T) {
		s, store, ch := newTestSyncer(t, "user-a")
		store.ListErr = errors.New("query failed")
		err := s.Open(context.Background())
		if !errors.Is(err, messaging.ErrLoadFailed) {
			t.Fatalf("expected ErrLoadFailed, got %v", err)
		}
		if state, _ := s.State(); state != StateError {
			t.Fatalf("expected error state, got %s", state)
		}
		// The subscription from the failed attempt must not leak.
		if got := ch.SubscriberCount(events.Topic(s.ConversationID())); got != 0 {
			t.Fatalf("subscription leaked after load failure: %d", got)
		}
	})
}

func TestErrorStateAllowsReopen(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	store.ListErr = errors.New("query failed")
	if err := s.Open(context.Background()); !errors.Is(err, messaging.ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}

	store.ListErr = nil
	mustOpen(t, s)
}

func TestHungLoadTimesOutToError(t *testing.T) {
	store := helpers.NewFakeStore()
	ch := helpers.NewFakeChannel()
	gated := &gatedRepo{
		MessageRepository: store,
		started:           make(chan struct{}),
		release:           make(chan struct{}), // never released
	}
	s := New(resolver.New(store, "tenant-1"), gated, ch, "user-a", bookingCtx, WithOpTimeout(50*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	err := s.Open(context.Background())
	if !errors.Is(err, messaging.ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed from timeout, got %v", err)
	}
	if state, _ := s.State(); state != StateError {
		t.Fatalf("expected error state, got %s", state)
	}
}

func TestRefetchRecoversDrift(t *testing.T) {
	s, store, _ := newTestSyncer(t, "user-a")
	convID := mustOpen(t, s)

	// A message whose insert event was lost.
	store.SeedMessage(convID, "user-b", "missed", time.Now().UTC())
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("expected empty list before refetch, got %d", got)
	}

	if err := s.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected refetched message, got %d entries", got)
	}
}
