package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
	qport "github.com/fluffypet/chat/internal/infrastructure/queue/port"
	"github.com/fluffypet/chat/internal/infrastructure/realtime"
	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/presence"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/resolver"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/syncer"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/task"
	repoAdapter "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/adapter"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// ChatSocketController handles the websocket endpoint for realtime chat
// traffic. Each open conversation on a socket owns one synchronizer and one
// presence broadcaster; teardown on disconnect releases every subscription.
type ChatSocketController struct {
	router          *realtime.Router
	repo            repository.MessagingRepository
	channel         chport.Channel
	queue           qport.Client
	inflightTimeout time.Duration
}

func NewChatSocketController(pool *pgxpool.Pool, channel chport.Channel, router *realtime.Router, queue qport.Client) *ChatSocketController {
	return &ChatSocketController{
		router:          router,
		repo:            repoAdapter.NewPgMessagingRepository(pool),
		channel:         channel,
		queue:           queue,
		inflightTimeout: 10 * time.Second,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now; plug a proper checker when auth is added.
		return true
	},
}

type inboundFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	BookingID      string   `json:"booking_id,omitempty"`
	AppointmentID  string   `json:"appointment_id,omitempty"`
	PeerUserID     string   `json:"peer_user_id,omitempty"`
	Body           string   `json:"body,omitempty"`
	Kind           *int16   `json:"kind,omitempty"`
	MediaRef       *string  `json:"media_ref,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
	Typing         *bool    `json:"typing,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ackFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type snapshotFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Messages       []messagePayload `json:"messages"`
	PeerTyping     []string         `json:"peer_typing"`
}

type messageFrame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Message        messagePayload `json:"message"`
}

type typingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

type messagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Kind           int16      `json:"kind"`
	Body           *string    `json:"body,omitempty"`
	MediaRef       *string    `json:"media_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	SenderName     string     `json:"sender_name,omitempty"`
	SenderAvatar   string     `json:"sender_avatar,omitempty"`
}

const defaultReadTimeout = 60 * time.Second

// Handle upgrades HTTP connections to websocket and processes frames until the client disconnects.
func (ctl *ChatSocketController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
			return
		}
		tenantID := c.Query("tenant_id")

		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response; just log and return.
			return
		}

		conn := realtime.NewConnection(userID, ws)
		ctl.router.Attach(conn)

		sess := &socketSession{
			ctl:      ctl,
			conn:     conn,
			userID:   userID,
			resolver: resolver.New(ctl.repo, tenantID),
			views:    make(map[string]*conversationView),
		}
		defer func() {
			sess.closeAll()
			ctl.router.Detach(conn)
			conn.Close(websocket.CloseNormalClosure, "session closed")
		}()

		ws.SetReadLimit(1 << 20) // 1MB payload cap
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		})

		handshakeAck := ackFrame{Type: "connected"}
		if payload, err := json.Marshal(handshakeAck); err == nil {
			_ = conn.Send(payload)
		}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
					errors.Is(err, websocket.ErrCloseSent) {
					return
				}
				ctl.replyError(conn, "read_error", err.Error())
				return
			}

			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				ctl.replyError(conn, "bad_request", "invalid payload")
				continue
			}

			switch frame.Type {
			case "open":
				sess.handleOpen(c.Request.Context(), frame)
			case "close":
				sess.handleClose(frame)
			case "message":
				sess.handleMessage(c.Request.Context(), frame)
			case "read":
				sess.handleRead(c.Request.Context(), frame)
			case "typing":
				sess.handleTyping(c.Request.Context(), frame)
			case "refetch":
				sess.handleRefetch(c.Request.Context(), frame)
			default:
				ctl.replyError(conn, "unsupported_type", "unknown frame type")
			}
		}
	}
}

// socketSession is the per-connection surface state: the session-scoped
// resolver cache and one view per open conversation.
type socketSession struct {
	ctl      *ChatSocketController
	conn     *realtime.Connection
	userID   string
	resolver *resolver.Resolver

	mu    sync.Mutex
	views map[string]*conversationView
}

// conversationView pairs the synchronizer and presence broadcaster for one
// open conversation on one socket.
type conversationView struct {
	sess   *socketSession
	convID string
	peerID string // set for direct conversations; drives offline nudges
	sync   *syncer.Synchronizer

	mu       sync.Mutex
	presence *presence.Broadcaster
}

func (sess *socketSession) handleOpen(ctx context.Context, frame inboundFrame) {
	cc := messaging.ConversationContext{
		BookingID:     frame.BookingID,
		AppointmentID: frame.AppointmentID,
		PeerUserID:    frame.PeerUserID,
		SelfUserID:    sess.userID,
	}
	if err := cc.Validate(); err != nil {
		sess.ctl.replyError(sess.conn, contextErrorCode(err), err.Error())
		return
	}

	view := &conversationView{sess: sess, peerID: frame.PeerUserID}
	view.sync = syncer.New(
		sess.resolver, sess.ctl.repo, sess.ctl.channel, sess.userID, cc,
		syncer.WithOpTimeout(sess.ctl.inflightTimeout),
		syncer.WithPresenceHandler(view.applyPresence),
		syncer.WithInsertHandler(view.pushMessage),
		syncer.WithUpdateHandler(view.pushReceipt),
	)

	if err := view.sync.Open(ctx); err != nil {
		sess.ctl.replyError(sess.conn, openErrorCode(err), err.Error())
		_ = view.sync.Close()
		return
	}

	convID := view.sync.ConversationID()
	view.convID = convID
	view.mu.Lock()
	view.presence = presence.New(sess.ctl.channel, convID, sess.userID)
	view.mu.Unlock()

	sess.mu.Lock()
	if previous, ok := sess.views[convID]; ok {
		previous.close()
	}
	sess.views[convID] = view
	sess.mu.Unlock()

	sess.sendSnapshot(view)
}

func (sess *socketSession) handleClose(frame inboundFrame) {
	if frame.ConversationID == "" {
		sess.ctl.replyError(sess.conn, "bad_request", "conversation_id is required")
		return
	}
	sess.mu.Lock()
	view, ok := sess.views[frame.ConversationID]
	if ok {
		delete(sess.views, frame.ConversationID)
	}
	sess.mu.Unlock()
	if ok {
		view.close()
	}

	ack := ackFrame{Type: "closed", ConversationID: frame.ConversationID}
	if payload, err := json.Marshal(ack); err == nil {
		_ = sess.conn.Send(payload)
	}
}

func (sess *socketSession) handleMessage(ctx context.Context, frame inboundFrame) {
	view := sess.view(frame.ConversationID)
	if view == nil {
		sess.ctl.replyError(sess.conn, "not_open", "conversation is not open on this socket")
		return
	}

	kind := messaging.MessageKindText
	if frame.Kind != nil {
		kind = messaging.MessageKind(*frame.Kind)
	}

	stored, err := view.sync.Send(ctx, frame.Body, kind, frame.MediaRef)
	if err != nil {
		sess.ctl.replyError(sess.conn, sendErrorCode(err), err.Error())
		return
	}

	// Sending ends the typing indicator immediately.
	view.withPresence(func(b *presence.Broadcaster) { b.SetTyping(ctx, false) })

	out := messageFrame{Type: "message", ConversationID: view.convID, Message: toPayload(stored)}
	if payload, err := json.Marshal(out); err == nil {
		_ = sess.conn.Send(payload)
	}

	sess.maybeNotifyOffline(ctx, view, stored)
}

func (sess *socketSession) handleRead(ctx context.Context, frame inboundFrame) {
	view := sess.view(frame.ConversationID)
	if view == nil {
		sess.ctl.replyError(sess.conn, "not_open", "conversation is not open on this socket")
		return
	}
	view.sync.MarkRead(ctx, frame.MessageIDs)
}

func (sess *socketSession) handleTyping(ctx context.Context, frame inboundFrame) {
	view := sess.view(frame.ConversationID)
	if view == nil || frame.Typing == nil {
		return
	}
	typing := *frame.Typing
	view.withPresence(func(b *presence.Broadcaster) { b.SetTyping(ctx, typing) })
}

func (sess *socketSession) handleRefetch(ctx context.Context, frame inboundFrame) {
	view := sess.view(frame.ConversationID)
	if view == nil {
		sess.ctl.replyError(sess.conn, "not_open", "conversation is not open on this socket")
		return
	}
	if err := view.sync.Refetch(ctx); err != nil {
		sess.ctl.replyError(sess.conn, "load_failed", err.Error())
		return
	}
	sess.sendSnapshot(view)
}

func (sess *socketSession) view(conversationID string) *conversationView {
	if conversationID == "" {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.views[conversationID]
}

func (sess *socketSession) closeAll() {
	sess.mu.Lock()
	views := make([]*conversationView, 0, len(sess.views))
	for _, view := range sess.views {
		views = append(views, view)
	}
	sess.views = make(map[string]*conversationView)
	sess.mu.Unlock()

	for _, view := range views {
		view.close()
	}
}

func (sess *socketSession) sendSnapshot(view *conversationView) {
	var typing []string
	view.withPresence(func(b *presence.Broadcaster) { typing = b.Typing() })
	if typing == nil {
		typing = []string{}
	}

	msgs := view.sync.Messages()
	payloads := make([]messagePayload, 0, len(msgs))
	for _, m := range msgs {
		payloads = append(payloads, toPayload(m))
	}
	out := snapshotFrame{
		Type:           "opened",
		ConversationID: view.convID,
		Messages:       payloads,
		PeerTyping:     typing,
	}
	if payload, err := json.Marshal(out); err == nil {
		_ = sess.conn.Send(payload)
	}
}

// maybeNotifyOffline enqueues a nudge for direct conversations whose peer has
// no socket on this node. Booking/appointment membership is owned elsewhere,
// so those conversations skip the nudge.
func (sess *socketSession) maybeNotifyOffline(ctx context.Context, view *conversationView, stored messaging.Message) {
	if view.peerID == "" || sess.ctl.queue == nil || sess.ctl.router.IsOnline(view.peerID) {
		return
	}
	payload, err := json.Marshal(task.NotifyOfflineTaskPayload{
		MessageID:   stored.ID,
		RecipientID: view.peerID,
	})
	if err != nil {
		return
	}
	_, err = sess.ctl.queue.Enqueue(ctx, qport.Task{Type: task.NotifyOfflineTaskType, Payload: payload},
		qport.EnqueueOption{Queue: "messaging", MaxRetry: 3})
	if err != nil {
		sess.ctl.replyError(sess.conn, "notify_failed", "offline notification could not be queued")
	}
}

func (view *conversationView) applyPresence(userID string, typing bool) {
	view.withPresence(func(b *presence.Broadcaster) { b.Apply(userID, typing) })
	if userID == view.sess.userID {
		return
	}
	out := typingFrame{Type: "typing", ConversationID: view.convID, UserID: userID, Typing: typing}
	if payload, err := json.Marshal(out); err == nil {
		_ = view.sess.conn.Send(payload)
	}
}

func (view *conversationView) pushMessage(m messaging.Message) {
	out := messageFrame{Type: "message", ConversationID: view.convID, Message: toPayload(m)}
	if payload, err := json.Marshal(out); err == nil {
		_ = view.sess.conn.Send(payload)
	}
}

func (view *conversationView) pushReceipt(m messaging.Message) {
	out := messageFrame{Type: "receipt", ConversationID: view.convID, Message: toPayload(m)}
	if payload, err := json.Marshal(out); err == nil {
		_ = view.sess.conn.Send(payload)
	}
}

func (view *conversationView) withPresence(fn func(*presence.Broadcaster)) {
	view.mu.Lock()
	b := view.presence
	view.mu.Unlock()
	if b != nil {
		fn(b)
	}
}

func (view *conversationView) close() {
	_ = view.sync.Close()
	view.withPresence(func(b *presence.Broadcaster) { b.Close() })
}

func (ctl *ChatSocketController) replyError(conn *realtime.Connection, code string, message string) {
	frame := errorFrame{
		Type:  "error",
		Code:  code,
		Error: message,
	}
	if payload, err := json.Marshal(frame); err == nil {
		_ = conn.Send(payload)
	}
}

func contextErrorCode(err error) string {
	switch {
	case errors.Is(err, messaging.ErrNoContext):
		return "no_context"
	case errors.Is(err, messaging.ErrAmbiguousContext):
		return "ambiguous_context"
	default:
		return "bad_request"
	}
}

func openErrorCode(err error) string {
	switch {
	case errors.Is(err, messaging.ErrNoContext), errors.Is(err, messaging.ErrAmbiguousContext):
		return contextErrorCode(err)
	case errors.Is(err, messaging.ErrResolutionFailed):
		return "resolution_failed"
	case errors.Is(err, messaging.ErrSubscriptionFailed):
		return "subscription_failed"
	case errors.Is(err, messaging.ErrLoadFailed):
		return "load_failed"
	default:
		return "internal_error"
	}
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, messaging.ErrSendFailed):
		return "send_failed"
	case errors.Is(err, messaging.ErrClosed):
		return "closed"
	case errors.Is(err, messaging.ErrResolutionFailed):
		return "resolution_failed"
	default:
		return "bad_request"
	}
}

func toPayload(msg messaging.Message) messagePayload {
	return messagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Kind:           int16(msg.Kind),
		Body:           msg.Body,
		MediaRef:       msg.MediaRef,
		CreatedAt:      msg.CreatedAt,
		IsRead:         msg.IsRead,
		ReadAt:         msg.ReadAt,
		SenderName:     msg.SenderName,
		SenderAvatar:   msg.SenderAvatar,
	}
}
