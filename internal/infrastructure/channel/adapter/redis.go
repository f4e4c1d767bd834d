package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/fluffypet/chat/internal/infrastructure/channel/port"
)

// RedisChannel is an adapter that satisfies the port.Channel interface using
// Redis pub/sub. It wraps a go-redis v9 Client.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannelFromEnv constructs a RedisChannel using the REDIS_URL environment variable.
func NewRedisChannelFromEnv() (*RedisChannel, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, errors.New("redis: REDIS_URL environment variable is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisChannel{client: c}, nil
}

// NewRedisChannel wraps an existing client, sharing the connection pool with
// other Redis-backed adapters.
func NewRedisChannel(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

// Ensure interface compliance at compile time
var _ port.Channel = (*RedisChannel)(nil)

func (r *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *RedisChannel) Subscribe(ctx context.Context, topic string) (port.Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	// Force the SUBSCRIBE round-trip so a broken connection surfaces here
	// instead of as a silently empty feed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan port.Message, 64),
	}
	go sub.pump(topic)
	return sub, nil
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan port.Message
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan port.Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump(topic string) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- port.Message{Topic: topic, Payload: []byte(msg.Payload)}
	}
}
