package messaging

import "strings"

// ConversationContext selects how a chat surface was opened. Exactly one
// variant must be populated: a booking id, an appointment id, or a direct
// peer (which also requires the caller's own id for pair normalization).
type ConversationContext struct {
	BookingID     string
	AppointmentID string
	PeerUserID    string
	SelfUserID    string
}

// Validate enforces the exactly-one-variant rule.
func (c ConversationContext) Validate() error {
	variants := 0
	if c.BookingID != "" {
		variants++
	}
	if c.AppointmentID != "" {
		variants++
	}
	if c.PeerUserID != "" {
		variants++
	}
	switch {
	case variants == 0:
		return ErrNoContext
	case variants > 1:
		return ErrAmbiguousContext
	}
	if c.PeerUserID != "" && c.SelfUserID == "" {
		return ErrNoContext
	}
	if c.PeerUserID != "" && c.PeerUserID == c.SelfUserID {
		return ErrAmbiguousContext
	}
	return nil
}

// PairKey returns the normalized (low, high) user pair for a direct context.
// Resolving (A,B) and (B,A) must land on the same conversation row.
func (c ConversationContext) PairKey() (low, high string) {
	if strings.Compare(c.SelfUserID, c.PeerUserID) < 0 {
		return c.SelfUserID, c.PeerUserID
	}
	return c.PeerUserID, c.SelfUserID
}

// CacheKey is a stable string identity for the context, used by the resolver
// to memoize resolved conversation ids within a surface session.
func (c ConversationContext) CacheKey() string {
	switch {
	case c.BookingID != "":
		return "booking:" + c.BookingID
	case c.AppointmentID != "":
		return "appointment:" + c.AppointmentID
	default:
		low, high := c.PairKey()
		return "direct:" + low + ":" + high
	}
}
