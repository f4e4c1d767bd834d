package messaging

import "errors"

// Failure taxonomy for the messaging core. Store-layer errors are wrapped
// into one of these at the operation boundary; raw transport errors never
// cross into callers.
var (
	ErrNoContext        = errors.New("messaging: no conversation context supplied")
	ErrAmbiguousContext = errors.New("messaging: more than one conversation context supplied")

	ErrResolutionFailed   = errors.New("messaging: conversation resolution failed")
	ErrLoadFailed         = errors.New("messaging: initial message load failed")
	ErrSubscriptionFailed = errors.New("messaging: change subscription failed")
	ErrSendFailed         = errors.New("messaging: message send failed")

	ErrClosed               = errors.New("messaging: synchronizer is closed")
	ErrConversationNotFound = errors.New("messaging: conversation not found")
	ErrMessageNotFound      = errors.New("messaging: message not found")
)
