// Package syncer owns one client view of a conversation's message stream:
// the initial ordered load, live appends on remote insert, in-place
// read-receipt patches, and optimistic local sends reconciled against the
// durable rows so the sender never sees a duplicate bubble.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/resolver"
	"github.com/fluffypet/chat/internal/pkg/messaging/events"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// State is the synchronizer lifecycle. Error is reachable from Resolving and
// Loading; Closed is terminal and absorbs every late callback.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateLoading
	StateLive
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultOpTimeout bounds every store round-trip so a hung call becomes an
// Error transition instead of an indefinite Resolving/Loading.
const DefaultOpTimeout = 10 * time.Second

// PresenceHandler receives typing envelopes demultiplexed off the
// conversation channel. It must not block.
type PresenceHandler func(userID string, typing bool)

type Option func(*Synchronizer)

// WithOpTimeout overrides the per-operation store timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithPresenceHandler wires a sink for typing events so presence can share
// the conversation subscription without touching the message list.
func WithPresenceHandler(h PresenceHandler) Option {
	return func(s *Synchronizer) { s.onPresence = h }
}

// WithInsertHandler is invoked after a remote insert lands in the list, with
// the appended message. Local sends are not echoed through it.
func WithInsertHandler(h func(messaging.Message)) Option {
	return func(s *Synchronizer) { s.onInsert = h }
}

// WithUpdateHandler is invoked after a remote read-receipt patch, with the
// patched entry.
func WithUpdateHandler(h func(messaging.Message)) Option {
	return func(s *Synchronizer) { s.onUpdate = h }
}

// Synchronizer is one surface instance's view of one conversation. Instances
// are independent: each owns its subscription handle and in-memory list, so
// no state is shared across concurrently open chat surfaces.
type Synchronizer struct {
	res       *resolver.Resolver
	repo      repository.MessageRepository
	channel   chport.Channel
	selfID    string
	convCtx   messaging.ConversationContext
	opTimeout time.Duration

	onPresence PresenceHandler
	onInsert   func(messaging.Message)
	onUpdate   func(messaging.Message)

	mu       sync.Mutex
	state    State
	failure  error
	convID   string
	msgs     []messaging.Message
	buffered []events.Envelope
	pending  map[string]string // dedupe key -> optimistic entry id
	sub      chport.Subscription
}

func New(res *resolver.Resolver, repo repository.MessageRepository, channel chport.Channel, selfID string, cc messaging.ConversationContext, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		res:       res,
		repo:      repo,
		channel:   channel,
		selfID:    selfID,
		convCtx:   cc,
		opTimeout: DefaultOpTimeout,
		state:     StateIdle,
		pending:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open drives Idle -> Resolving -> Loading -> Live. The channel subscription
// is established before the bulk load; events arriving during the load are
// buffered and flushed once the load lands, so the load can never stomp on an
// already-applied event. Open may be called again after an Error to retry
// from scratch; it is invalid while a previous attempt is still in flight.
func (s *Synchronizer) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateError:
		s.state = StateResolving
		s.failure = nil
	case StateClosed:
		s.mu.Unlock()
		return messaging.ErrClosed
	default:
		s.mu.Unlock()
		return fmt.Errorf("messaging: open called in state %s", s.state)
	}
	s.mu.Unlock()

	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	convID, err := s.res.Resolve(opctx, s.convCtx)
	if err != nil {
		return s.fail(err)
	}
	if closed := s.storeConversationID(convID); closed {
		return messaging.ErrClosed
	}

	sub, err := s.channel.Subscribe(ctx, events.Topic(convID))
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", messaging.ErrSubscriptionFailed, err))
	}

	s.mu.Lock()
	if s.state != StateResolving {
		// Closed while subscribing.
		s.mu.Unlock()
		_ = sub.Close()
		return messaging.ErrClosed
	}
	s.state = StateLoading
	s.sub = sub
	go s.pump(sub)
	s.mu.Unlock()

	loadCtx, loadCancel := context.WithTimeout(ctx, s.opTimeout)
	defer loadCancel()
	msgs, err := s.repo.ListMessages(loadCtx, convID)
	if err != nil {
		loadErr := s.fail(fmt.Errorf("%w: %v", messaging.ErrLoadFailed, err))
		s.teardownSubscription()
		return loadErr
	}

	s.mu.Lock()
	if s.state != StateLoading {
		s.mu.Unlock()
		s.teardownSubscription()
		return messaging.ErrClosed
	}
	s.msgs = msgs
	s.state = StateLive
	flush := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	for _, env := range flush {
		s.handleEnvelope(env)
	}
	return nil
}

// Send persists one message attributed to the current user. An optimistic
// entry keyed by a client-generated dedupe key is rendered immediately and
// replaced by the stored row; the insert event for our own send is then a
// no-op because the id is already present. A failed insert removes the
// optimistic entry so no ghost bubble survives.
//
// Send resolves the conversation transparently when Open has not completed
// yet; in that case there is no live subscription and the message shows up
// on the next Open/Refetch.
func (s *Synchronizer) Send(ctx context.Context, body string, kind messaging.MessageKind, mediaRef *string) (messaging.Message, error) {
	convID, err := s.ensureConversation(ctx)
	if err != nil {
		return messaging.Message{}, err
	}

	dedupe := uuid.NewString()
	var bodyPtr *string
	if body != "" {
		bodyPtr = &body
	}
	draft, err := messaging.NewMessage(messaging.Message{
		ConversationID: convID,
		SenderID:       s.selfID,
		Kind:           kind,
		Body:           bodyPtr,
		MediaRef:       mediaRef,
		DedupeKey:      &dedupe,
	})
	if err != nil {
		return messaging.Message{}, fmt.Errorf("%w: %v", messaging.ErrSendFailed, err)
	}

	optimistic := *draft
	optimistic.ID = "pending:" + dedupe
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return messaging.Message{}, messaging.ErrClosed
	}
	s.pending[dedupe] = optimistic.ID
	s.insertSortedLocked(optimistic)
	s.mu.Unlock()

	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	stored, err := s.repo.InsertMessage(opctx, *draft)
	if err != nil {
		s.mu.Lock()
		s.removeOptimisticLocked(dedupe)
		s.mu.Unlock()
		return messaging.Message{}, fmt.Errorf("%w: %v", messaging.ErrSendFailed, err)
	}

	// Reconcile immediately rather than waiting for the event round-trip;
	// the echoed insert event is deduplicated by id.
	s.mu.Lock()
	if s.state != StateClosed {
		s.removeOptimisticLocked(dedupe)
		if !s.hasMessageLocked(stored.ID) {
			s.insertSortedLocked(stored)
		}
	}
	s.mu.Unlock()

	s.publish(ctx, events.Envelope{
		Kind:           events.KindMessageInsert,
		ConversationID: convID,
		MessageID:      stored.ID,
	})
	return stored, nil
}

// MarkRead marks the given ids read on behalf of the current user. Ids whose
// sender is the current user are silently filtered out before the update is
// issued; the store predicate excludes them a second time. A store failure is
// logged and recovered locally, never surfaced: a missed read receipt is not
// user-critical.
func (s *Synchronizer) MarkRead(ctx context.Context, ids []string) {
	s.mu.Lock()
	if s.state == StateClosed || s.convID == "" {
		s.mu.Unlock()
		return
	}
	convID := s.convID
	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messageLocked(id); ok && msg.SenderID == s.selfID {
			continue
		}
		filtered = append(filtered, id)
	}
	s.mu.Unlock()

	if len(filtered) == 0 {
		return
	}

	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	updated, err := s.repo.MarkMessagesRead(opctx, convID, s.selfID, filtered)
	if err != nil {
		log.Printf("messaging: mark read failed for conversation %s: %v", convID, err)
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if s.state != StateClosed {
		for _, id := range updated {
			s.patchReadLocked(id, now)
		}
	}
	s.mu.Unlock()

	for _, id := range updated {
		s.publish(ctx, events.Envelope{
			Kind:           events.KindMessageUpdate,
			ConversationID: convID,
			MessageID:      id,
		})
	}
}

// Refetch reloads the full list from the store, for recovery after suspected
// drift. Optimistic entries still awaiting their insert are carried over.
func (s *Synchronizer) Refetch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLive {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return messaging.ErrClosed
		}
		return fmt.Errorf("messaging: refetch called in state %s", state)
	}
	convID := s.convID
	s.mu.Unlock()

	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	msgs, err := s.repo.ListMessages(opctx, convID)
	if err != nil {
		return fmt.Errorf("%w: %v", messaging.ErrLoadFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return messaging.ErrClosed
	}
	carried := make([]messaging.Message, 0, len(s.pending))
	for _, optimisticID := range s.pending {
		if msg, ok := s.messageLocked(optimisticID); ok {
			carried = append(carried, msg)
		}
	}
	s.msgs = msgs
	for _, msg := range carried {
		s.insertSortedLocked(msg)
	}
	return nil
}

// Close tears the subscription down and freezes the last observed list.
// Idempotent; every in-flight callback arriving after Close is discarded.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	sub := s.sub
	s.sub = nil
	s.buffered = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	return nil
}

// State reports the lifecycle state and, when in Error, the failure that
// caused it.
func (s *Synchronizer) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failure
}

// ConversationID returns the resolved id, or empty before resolution.
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Messages returns a copy of the list in canonical order.
func (s *Synchronizer) Messages() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]messaging.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Synchronizer) ensureConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", messaging.ErrClosed
	}
	if s.convID != "" {
		convID := s.convID
		s.mu.Unlock()
		return convID, nil
	}
	s.mu.Unlock()

	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	convID, err := s.res.Resolve(opctx, s.convCtx)
	if err != nil {
		return "", err
	}
	if closed := s.storeConversationID(convID); closed {
		return "", messaging.ErrClosed
	}
	return convID, nil
}

// storeConversationID records the resolved id unless the synchronizer was
// closed in the meantime.
func (s *Synchronizer) storeConversationID(convID string) (closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return true
	}
	s.convID = convID
	return false
}

func (s *Synchronizer) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return messaging.ErrClosed
	}
	s.state = StateError
	s.failure = err
	return err
}

func (s *Synchronizer) teardownSubscription() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

func (s *Synchronizer) pump(sub chport.Subscription) {
	for msg := range sub.Messages() {
		env, err := events.Decode(msg.Payload)
		if err != nil {
			log.Printf("messaging: dropping malformed channel payload: %v", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Synchronizer) dispatch(env events.Envelope) {
	s.mu.Lock()
	switch s.state {
	case StateLoading:
		s.buffered = append(s.buffered, env)
		s.mu.Unlock()
		return
	case StateLive:
		s.mu.Unlock()
	default:
		// Closed or failed: frozen, drop everything.
		s.mu.Unlock()
		return
	}
	s.handleEnvelope(env)
}

func (s *Synchronizer) handleEnvelope(env events.Envelope) {
	switch env.Kind {
	case events.KindTyping:
		if s.onPresence != nil {
			s.onPresence(env.UserID, env.Typing)
		}
	case events.KindMessageInsert:
		s.applyInsert(env.MessageID)
	case events.KindMessageUpdate:
		s.applyUpdate(env.MessageID)
	}
}

// applyInsert re-fetches the full row (the envelope carries only the id) and
// appends it in canonical order. Duplicate events and our own echoed sends
// are absorbed by the id check; a matching dedupe key replaces the optimistic
// entry.
func (s *Synchronizer) applyInsert(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if s.hasMessageLocked(id) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		log.Printf("messaging: fetch inserted message %s: %v", id, err)
		return
	}

	s.mu.Lock()
	if s.state != StateLive || s.hasMessageLocked(id) {
		s.mu.Unlock()
		return
	}
	if msg.DedupeKey != nil {
		s.removeOptimisticLocked(*msg.DedupeKey)
	}
	s.insertSortedLocked(msg)
	handler := s.onInsert
	s.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// applyUpdate patches the read-receipt fields of the matching entry in place.
// The list is never reordered by an update.
func (s *Synchronizer) applyUpdate(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		log.Printf("messaging: fetch updated message %s: %v", id, err)
		return
	}

	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return
	}
	var patched *messaging.Message
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].IsRead = msg.IsRead
			s.msgs[i].ReadAt = msg.ReadAt
			copied := s.msgs[i]
			patched = &copied
			break
		}
	}
	handler := s.onUpdate
	s.mu.Unlock()

	if patched != nil && handler != nil {
		handler(*patched)
	}
}

func (s *Synchronizer) publish(ctx context.Context, env events.Envelope) {
	payload, err := events.Encode(env)
	if err != nil {
		log.Printf("messaging: encode %s event: %v", env.Kind, err)
		return
	}
	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.channel.Publish(opctx, events.Topic(env.ConversationID), payload); err != nil {
		// Subscribers recover via Refetch; the row is already durable.
		log.Printf("messaging: publish %s event: %v", env.Kind, err)
	}
}

func (s *Synchronizer) hasMessageLocked(id string) bool {
	_, ok := s.messageLocked(id)
	return ok
}

func (s *Synchronizer) messageLocked(id string) (messaging.Message, bool) {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return s.msgs[i], true
		}
	}
	return messaging.Message{}, false
}

// insertSortedLocked places msg at its canonical position: created_at
// ascending with id tiebreak. Two clients receiving the same events in any
// order converge on the same list.
func (s *Synchronizer) insertSortedLocked(msg messaging.Message) {
	i := len(s.msgs)
	for i > 0 && msg.Before(s.msgs[i-1]) {
		i--
	}
	s.msgs = append(s.msgs, messaging.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
}

func (s *Synchronizer) removeOptimisticLocked(dedupeKey string) {
	optimisticID, ok := s.pending[dedupeKey]
	if !ok {
		return
	}
	delete(s.pending, dedupeKey)
	for i := range s.msgs {
		if s.msgs[i].ID == optimisticID {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

func (s *Synchronizer) patchReadLocked(id string, readAt time.Time) {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].IsRead = true
			if s.msgs[i].ReadAt == nil {
				at := readAt
				s.msgs[i].ReadAt = &at
			}
			return
		}
	}
}
