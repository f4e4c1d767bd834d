package messaging

import "time"

// Conversation binds exactly one initiation context (booking, appointment, or
// unordered user pair) to a single durable id. Direct pairs are stored
// normalized as (low, high) so both participants resolve the same row.
type Conversation struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	BookingID     *string   `db:"booking_id"`
	AppointmentID *string   `db:"appointment_id"`
	UserLowID     *string   `db:"user_low_id"`
	UserHighID    *string   `db:"user_high_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// ParticipantIDs returns both user ids for a direct conversation, or nil for
// booking/appointment scoped ones (their membership lives with the booking).
func (c Conversation) ParticipantIDs() []string {
	if c.UserLowID == nil || c.UserHighID == nil {
		return nil
	}
	return []string{*c.UserLowID, *c.UserHighID}
}
