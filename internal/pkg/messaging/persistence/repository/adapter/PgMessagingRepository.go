package adapter

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

type PgMessagingRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessagingRepository(pool *pgxpool.Pool) *PgMessagingRepository {
	return &PgMessagingRepository{pool: pool}
}

// Ensure interface compliance at compile time
var _ repository.MessagingRepository = (*PgMessagingRepository)(nil)

const conversationColumns = `id::text, COALESCE(tenant_id::text, ''), booking_id::text, appointment_id::text, user_low_id::text, user_high_id::text, created_at`

// FindOrCreateConversation resolves the single conversation row for the given
// context. Insert-first with ON CONFLICT DO NOTHING, then fetch: when two
// participants race, exactly one insert wins and both callers read the same row.
func (r *PgMessagingRepository) FindOrCreateConversation(ctx context.Context, tenantID string, cc messaging.ConversationContext) (messaging.Conversation, error) {
	if r == nil || r.pool == nil {
		return messaging.Conversation{}, errors.New("PgMessagingRepository: nil pool")
	}
	if err := cc.Validate(); err != nil {
		return messaging.Conversation{}, err
	}

	var (
		insert string
		fetch  string
		args   []any
	)
	switch {
	case cc.BookingID != "":
		insert = `
			INSERT INTO messaging.conversation (tenant_id, booking_id)
			VALUES (NULLIF($1, '')::uuid, $2::uuid)
			ON CONFLICT (booking_id) WHERE booking_id IS NOT NULL DO NOTHING
			RETURNING ` + conversationColumns
		fetch = `SELECT ` + conversationColumns + ` FROM messaging.conversation WHERE booking_id = $1::uuid`
		args = []any{cc.BookingID}
	case cc.AppointmentID != "":
		insert = `
			INSERT INTO messaging.conversation (tenant_id, appointment_id)
			VALUES (NULLIF($1, '')::uuid, $2::uuid)
			ON CONFLICT (appointment_id) WHERE appointment_id IS NOT NULL DO NOTHING
			RETURNING ` + conversationColumns
		fetch = `SELECT ` + conversationColumns + ` FROM messaging.conversation WHERE appointment_id = $1::uuid`
		args = []any{cc.AppointmentID}
	default:
		low, high := cc.PairKey()
		insert = `
			INSERT INTO messaging.conversation (tenant_id, user_low_id, user_high_id)
			VALUES (NULLIF($1, '')::uuid, $2::uuid, $3::uuid)
			ON CONFLICT (user_low_id, user_high_id) WHERE user_low_id IS NOT NULL DO NOTHING
			RETURNING ` + conversationColumns
		fetch = `SELECT ` + conversationColumns + ` FROM messaging.conversation WHERE user_low_id = $1::uuid AND user_high_id = $2::uuid`
		args = []any{low, high}
	}

	insertArgs := append([]any{tenantID}, args...)
	conv, err := scanConversation(r.pool.QueryRow(ctx, insert, insertArgs...))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return messaging.Conversation{}, err
	}

	// Lost the insert race (or the row predates us); fetch the winner.
	conv, err = scanConversation(r.pool.QueryRow(ctx, fetch, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return conv, err
}

func (r *PgMessagingRepository) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	if r == nil || r.pool == nil {
		return messaging.Conversation{}, errors.New("PgMessagingRepository: nil pool")
	}
	conv, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM messaging.conversation WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return conv, err
}

const messageColumns = `
	m.id::text, m.conversation_id::text, m.sender_id::text, m.kind, m.body,
	m.media_ref, m.dedupe_key, m.created_at, m.is_read, m.read_at,
	COALESCE(p.display_name, ''), COALESCE(p.avatar_url, '')`

const messageFrom = `
	FROM messaging.message m
	LEFT JOIN messaging.profile p ON p.user_id = m.sender_id`

func (r *PgMessagingRepository) InsertMessage(ctx context.Context, m messaging.Message) (messaging.Message, error) {
	if r == nil || r.pool == nil {
		return messaging.Message{}, errors.New("PgMessagingRepository: nil pool")
	}
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messaging.message (conversation_id, sender_id, kind, body, media_ref, dedupe_key)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
		RETURNING id::text
	`, m.ConversationID, m.SenderID, m.Kind, m.Body, m.MediaRef, m.DedupeKey).Scan(&id)
	if err != nil {
		return messaging.Message{}, err
	}
	// Re-read through the profile join so the caller gets the same shape the
	// list and event paths produce.
	return r.GetMessage(ctx, id)
}

func (r *PgMessagingRepository) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	if r == nil || r.pool == nil {
		return messaging.Message{}, errors.New("PgMessagingRepository: nil pool")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.id = $1::uuid`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	return msg, err
}

func (r *PgMessagingRepository) ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgMessagingRepository: nil pool")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = $1::uuid
		ORDER BY m.created_at ASC, m.id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []messaging.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return msgs, nil
}

// MarkMessagesRead flips unread rows among ids to read. The sender exclusion
// is a store-side predicate as well as a client-side filter: a caller passing
// their own message ids gets a silent no-op for those rows.
func (r *PgMessagingRepository) MarkMessagesRead(ctx context.Context, conversationID string, readerID string, ids []string) ([]string, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgMessagingRepository: nil pool")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE messaging.message
		SET is_read = true, read_at = now()
		WHERE conversation_id = $1::uuid
		  AND id = ANY($2::uuid[])
		  AND sender_id <> $3::uuid
		  AND is_read = false
		RETURNING id::text
	`, conversationID, ids, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updated []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return updated, nil
}

func (r *PgMessagingRepository) GetProfile(ctx context.Context, userID string) (messaging.Profile, error) {
	if r == nil || r.pool == nil {
		return messaging.Profile{}, errors.New("PgMessagingRepository: nil pool")
	}
	var p messaging.Profile
	err := r.pool.QueryRow(ctx, `
		SELECT user_id::text, display_name, avatar_url
		FROM messaging.profile
		WHERE user_id = $1::uuid
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing profile is not an error for display purposes.
		return messaging.Profile{UserID: userID}, nil
	}
	return p, err
}

func scanConversation(row pgx.Row) (messaging.Conversation, error) {
	var c messaging.Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.BookingID, &c.AppointmentID, &c.UserLowID, &c.UserHighID, &c.CreatedAt)
	return c, err
}

func scanMessage(row pgx.Row) (messaging.Message, error) {
	var m messaging.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Body,
		&m.MediaRef, &m.DedupeKey, &m.CreatedAt, &m.IsRead, &m.ReadAt,
		&m.SenderName, &m.SenderAvatar,
	)
	return m, err
}
