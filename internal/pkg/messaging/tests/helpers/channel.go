package helpers

import (
	"context"
	"sync"

	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
)

// FakeChannel is an in-process pub/sub implementing the channel port.
// Publishes fan out to every live subscription of the topic.
type FakeChannel struct {
	mu   sync.Mutex
	subs map[string][]*FakeSubscription

	PublishErr   error
	SubscribeErr error
}

func NewFakeChannel() *FakeChannel {
	return &FakeChannel{subs: make(map[string][]*FakeSubscription)}
}

var _ chport.Channel = (*FakeChannel)(nil)

func (c *FakeChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	subs := append([]*FakeSubscription(nil), c.subs[topic]...)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(chport.Message{Topic: topic, Payload: payload})
	}
	return nil
}

func (c *FakeChannel) Subscribe(ctx context.Context, topic string) (chport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	sub := &FakeSubscription{
		ch:    c,
		topic: topic,
		out:   make(chan chport.Message, 256),
	}
	c.subs[topic] = append(c.subs[topic], sub)
	return sub, nil
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	var all []*FakeSubscription
	for _, subs := range c.subs {
		all = append(all, subs...)
	}
	c.subs = make(map[string][]*FakeSubscription)
	c.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

// SubscriberCount reports live subscriptions for a topic, for leak assertions.
func (c *FakeChannel) SubscriberCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[topic])
}

type FakeSubscription struct {
	ch     *FakeChannel
	topic  string
	mu     sync.Mutex
	out    chan chport.Message
	closed bool
}

var _ chport.Subscription = (*FakeSubscription)(nil)

func (s *FakeSubscription) Messages() <-chan chport.Message {
	return s.out
}

func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.ch.mu.Lock()
	subs := s.ch.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.ch.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.ch.mu.Unlock()
	return nil
}

func (s *FakeSubscription) deliver(msg chport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		// Slow consumer: drop, matching best-effort channel semantics.
	}
}
