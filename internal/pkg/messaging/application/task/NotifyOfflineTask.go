package task

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	qport "github.com/fluffypet/chat/internal/infrastructure/queue/port"
	repoAdapter "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/adapter"
)

// NotifyOfflineTaskType is the queue task name for nudging a recipient who
// had no live socket when a message arrived.
const NotifyOfflineTaskType = "messaging:notify_offline"

// NotifyOfflineTaskPayload is the JSON payload transported via the queue.
// Kept decoupled from domain types to avoid tight coupling with JSON tags.
type NotifyOfflineTaskPayload struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
}

// Notifier is the delivery hook for offline nudges. The default logs the
// intent; a deployment plugs in push/email here.
type Notifier func(ctx context.Context, recipientID string, senderName string, preview string) error

// LogNotifier is the stub delivery used when no provider is configured.
func LogNotifier(ctx context.Context, recipientID string, senderName string, preview string) error {
	log.Printf("notify: recipient=%s from=%q preview=%q", recipientID, senderName, preview)
	return nil
}

// RegisterNotifyOfflineTask binds the task handler to the provided server.
func RegisterNotifyOfflineTask(srv qport.Server, pool *pgxpool.Pool, notify Notifier) {
	if notify == nil {
		notify = LogNotifier
	}
	srv.Register(NotifyOfflineTaskType, func(ctx context.Context, t qport.Task) error {
		var p NotifyOfflineTaskPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			// malformed payload: do not retry indefinitely
			return err
		}

		repo := repoAdapter.NewPgMessagingRepository(pool)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		msg, err := repo.GetMessage(ctx, p.MessageID)
		if err != nil {
			return err
		}
		if msg.IsRead {
			// Read before the worker got here; nothing to nudge about.
			return nil
		}

		preview := ""
		if msg.Body != nil {
			preview = *msg.Body
			if len(preview) > 80 {
				preview = preview[:80]
			}
		}
		return notify(ctx, p.RecipientID, msg.SenderName, preview)
	})
}
