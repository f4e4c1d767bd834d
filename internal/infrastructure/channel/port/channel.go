package port

import "context"

// Message is one payload received on a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live feed for one topic. Close is idempotent: releasing
// an already-released handle is a no-op, and after Close the Messages channel
// is closed so range loops terminate.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Channel is the pub/sub contract the messaging core multiplexes over: both
// durable change notifications (message insert/update) and ephemeral presence
// travel on the same per-conversation topic. Publish is fire-and-forget from
// the caller's point of view; there is no delivery guarantee.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
