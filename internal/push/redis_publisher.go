// Package push delivers live events to connected client sessions through
// Redis pub/sub. A websocket gateway subscribes to the channels and forwards
// messages to browsers.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventFetchNotifications = "skyportal/FETCH_NOTIFICATIONS"
	EventRefreshSource      = "skyportal/REFRESH_SOURCE"
)

const DefaultPrefix = "push:"

// Publisher emits events. Calls are best-effort and at-most-once.
type Publisher interface {
	PushToUser(ctx context.Context, userID, event string, payload any) error
	PushBroadcast(ctx context.Context, event string, payload any) error
}

// Message is the envelope published on every channel.
type Message struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload"`
	UserID     string          `json:"user_id,omitempty"`
}

type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(redisURL, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisPublisherWithClient(client, prefix), nil
}

// NewRedisPublisherWithClient creates a publisher from an existing client.
func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) UserChannel(userID string) string {
	return p.prefix + "user:" + userID
}

func (p *RedisPublisher) BroadcastChannel() string {
	return p.prefix + "broadcast"
}

// PushToUser publishes to every session of userID.
func (p *RedisPublisher) PushToUser(ctx context.Context, userID, event string, payload any) error {
	body, err := encode(event, payload, userID)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.UserChannel(userID), body).Err(); err != nil {
		return fmt.Errorf("publish %s to user %s: %w", event, userID, err)
	}
	return nil
}

// PushBroadcast publishes to every connected session.
func (p *RedisPublisher) PushBroadcast(ctx context.Context, event string, payload any) error {
	body, err := encode(event, payload, "")
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.BroadcastChannel(), body).Err(); err != nil {
		return fmt.Errorf("publish %s broadcast: %w", event, err)
	}
	return nil
}

// Subscribe listens on the given channels. The subscription is confirmed
// before it is returned, so messages published afterwards are not missed.
func (p *RedisPublisher) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &Subscription{pubsub: pubsub}, nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Ping checks if Redis is reachable
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type Subscription struct {
	pubsub *redis.PubSub
}

// Next blocks until a message arrives or ctx is done.
func (s *Subscription) Next(ctx context.Context) (string, Message, error) {
	raw, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return "", Message{}, fmt.Errorf("receive message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
		return raw.Channel, Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return raw.Channel, msg, nil
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func encode(event string, payload any, userID string) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	body, err := json.Marshal(Message{ActionType: event, Payload: rawPayload, UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", event, err)
	}
	return body, nil
}

// Nop discards every event. It stands in when no Redis is configured.
type Nop struct{}

func (Nop) PushToUser(context.Context, string, string, any) error { return nil }
func (Nop) PushBroadcast(context.Context, string, any) error      { return nil }
