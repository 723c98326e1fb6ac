// Package redissink mirrors bridge events onto a Redis pub/sub channel so
// tools outside the process can follow a runtime without holding a
// WebSocket open.
//
// Example:
//
//	sink, _ := redissink.FromEnv()
//	defer sink.Close()
//	b, _ := bridge.New(cfg, bridge.WithEventSink(sink))
package redissink

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAddr    = "localhost:6379"
	DefaultChannel = "devbridge:events"
)

// Config for a Redis sink. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Channel events are published on. ENV: DEVBRIDGE_EVENTS_CHANNEL
	Channel string `env:"DEVBRIDGE_EVENTS_CHANNEL,default=devbridge:events"`
}

// Sink publishes serialized events with PUBLISH. It implements events.Sink.
type Sink struct {
	client  *redis.Client
	channel string
}

var _ events.Sink = (*Sink)(nil)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Sink, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = DefaultAddr
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Sink{client: cl, channel: channel}, nil
}

// FromEnv builds a Sink from REDIS_ADDR and DEVBRIDGE_EVENTS_CHANNEL.
func FromEnv() (*Sink, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis sink config: %w", err)
	}
	return New(cfg)
}

// Channel returns the pub/sub channel name.
func (s *Sink) Channel() string { return s.channel }

func (s *Sink) Publish(ctx context.Context, payload []byte) error {
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

// Subscribe decodes events published on the channel and passes them to fn
// until ctx is done or fn returns an error. The subscription is active
// before ready is closed; ready may be nil.
func (s *Sink) Subscribe(ctx context.Context, ready chan<- struct{}, fn func(events.Event) error) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				// Foreign publishers may share the channel.
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }
