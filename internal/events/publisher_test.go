package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/vision-backend/internal/vision"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRedisPublisher_DefaultChannel(t *testing.T) {
	p := NewRedisPublisher(nil, "", testLogger())
	if p.Channel() != DefaultChannel {
		t.Errorf("expected channel %s, got %s", DefaultChannel, p.Channel())
	}
}

func TestRedisPublisher_PublishSubscribe(t *testing.T) {
	client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, client, "test:control")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p := NewRedisPublisher(client, "test:control", testLogger())
	ts := 42.5
	err = p.Publish(ctx, ControlEvent{
		SessionID:      "sess-1",
		Sequence:       9,
		Timestamp:      &ts,
		Action:         vision.ActionBoost,
		PreviousAction: vision.ActionIdle,
		Thrust:         0.9,
		Direction:      vision.Point{X: 0.1, Y: -0.2},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-events:
		if event.SessionID != "sess-1" || event.Sequence != 9 {
			t.Errorf("unexpected event: %+v", event)
		}
		if event.Action != vision.ActionBoost || event.PreviousAction != vision.ActionIdle {
			t.Errorf("unexpected actions: %s <- %s", event.Action, event.PreviousAction)
		}
		if event.Timestamp == nil || *event.Timestamp != 42.5 {
			t.Errorf("expected timestamp 42.5, got %v", event.Timestamp)
		}
		if event.EmittedAt.IsZero() {
			t.Error("expected emitted_at to be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_ClosesOnCancel(t *testing.T) {
	client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := Subscribe(ctx, client, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisPublisher_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	p := NewRedisPublisher(client, "", testLogger())
	if err := p.Publish(context.Background(), ControlEvent{SessionID: "x"}); err == nil {
		t.Error("expected error when redis is unreachable")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), ControlEvent{}); err != nil {
		t.Errorf("NopPublisher should never fail: %v", err)
	}
}
