package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/vision-backend/internal/vision"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "vision:control"

// ControlEvent is emitted when a session's control action changes. It is
// the handoff to whatever routes actions to actuators.
type ControlEvent struct {
	SessionID      string        `json:"session_id"`
	Sequence       uint64        `json:"sequence"`
	Timestamp      *float64      `json:"timestamp,omitempty"`
	Action         vision.Action `json:"action"`
	PreviousAction vision.Action `json:"previous_action"`
	Thrust         float64       `json:"thrust"`
	Direction      vision.Point  `json:"direction"`
	EmittedAt      time.Time     `json:"emitted_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event ControlEvent) error
}

type RedisPublisher struct {
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		redis:   client,
		channel: channel,
		logger:  logger.With("component", "events"),
	}
}

func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) Publish(ctx context.Context, event ControlEvent) error {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal control event: %w", err)
	}

	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish control event: %w", err)
	}

	p.logger.Debug("published control event",
		"session_id", event.SessionID,
		"sequence", event.Sequence,
		"action", string(event.Action))
	return nil
}

// NopPublisher drops events. Used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ControlEvent) error {
	return nil
}

// Subscribe streams control events from channel until ctx ends. Messages
// that do not decode are skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string) (<-chan ControlEvent, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan ControlEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ControlEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
