package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayEnvelope struct {
	InstanceID string          `json:"instanceId"`
	Channel    string          `json:"channel,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisRelay mirrors hub events across instances through Redis Pub/Sub.
// Messages published by this instance are ignored on receipt.
type RedisRelay struct {
	client     *redis.Client
	topic      string
	instanceID string
	logger     *zap.Logger
}

// NewRedisRelay builds a relay on the given Pub/Sub topic.
func NewRedisRelay(client *redis.Client, topic string, logger *zap.Logger) *RedisRelay {
	if topic == "" {
		topic = "complaints:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, topic: topic, instanceID: uuid.NewString(), logger: logger}
}

// InstanceID identifies this process on the relay topic.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

func (r *RedisRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	data, err := r.encode(channel, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.topic, data).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Subscribe blocks, reconnecting with exponential backoff, until ctx is cancelled.
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(channel string, payload []byte)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := r.subscribe(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("relay subscription disconnected, reconnecting", zap.String("topic", r.topic), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *RedisRelay) subscribe(ctx context.Context, deliver func(channel string, payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, r.topic)
	defer pubsub.Close() //nolint:errcheck

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.topic, err)
	}
	r.logger.Info("subscribed to relay topic", zap.String("topic", r.topic))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			channel, payload, ok := r.decode(msg.Payload)
			if !ok {
				continue
			}
			deliver(channel, payload)
		}
	}
}

func (r *RedisRelay) encode(channel string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(relayEnvelope{InstanceID: r.instanceID, Channel: channel, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal relay event: %w", err)
	}
	return data, nil
}

// decode reports false for malformed messages and for messages from this instance.
func (r *RedisRelay) decode(raw string) (string, []byte, bool) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("failed to unmarshal relay event", zap.Error(err))
		return "", nil, false
	}
	if env.InstanceID == r.instanceID || len(env.Payload) == 0 {
		return "", nil, false
	}
	return env.Channel, []byte(env.Payload), true
}
