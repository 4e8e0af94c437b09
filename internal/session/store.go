package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/eleven-am/vision-backend/internal/shared"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultMetricsTTL = 7 * 24 * time.Hour
	sessionKeyPrefix  = "vision:session:"
)

// Metrics are the session counters aggregated per UTC hour.
type Metrics struct {
	Date          string `json:"date"`
	Hour          int    `json:"hour"`
	Sessions      int64  `json:"sessions"`
	Faulted       int64  `json:"faulted"`
	Frames        int64  `json:"frames"`
	Detections    int64  `json:"detections"`
	Dropped       int64  `json:"dropped_frames"`
	DecodeErrors  int64  `json:"decode_errors"`
	ModelFailures int64  `json:"model_failures"`
	ControlEvents int64  `json:"control_events"`
	AvgDurationMs int64  `json:"avg_duration_ms"`
}

func MetricsRedisKey(date string, hour int) string {
	return "vision:metrics:" + date + ":" + strconv.Itoa(hour)
}

// Store keeps finished session summaries and hourly counters in Redis.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultMetricsTTL
	}
	return &Store{redis: redisClient, ttl: ttl}
}

func (s *Store) RecordSession(ctx context.Context, summary Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}

	ended := summary.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	ended = ended.UTC()
	key := MetricsRedisKey(ended.Format("2006-01-02"), ended.Hour())

	faulted := int64(0)
	if summary.Phase == PhaseFaulted {
		faulted = 1
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, sessionKeyPrefix+summary.ID, data, s.ttl)
	pipe.HIncrBy(ctx, key, "sessions", 1)
	pipe.HIncrBy(ctx, key, "faulted", faulted)
	pipe.HIncrBy(ctx, key, "frames", int64(summary.Frames))
	pipe.HIncrBy(ctx, key, "detections", int64(summary.Detections))
	pipe.HIncrBy(ctx, key, "dropped_frames", int64(summary.Dropped))
	pipe.HIncrBy(ctx, key, "decode_errors", int64(summary.DecodeErrors))
	pipe.HIncrBy(ctx, key, "model_failures", int64(summary.ModelFailures))
	pipe.HIncrBy(ctx, key, "control_events", int64(summary.ControlEvents))
	pipe.HIncrBy(ctx, key, "total_duration_ms", ended.Sub(summary.StartedAt).Milliseconds())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Summary, error) {
	data, err := s.redis.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetMetrics returns the hourly counters for the last hours, newest first.
// Hours with no sessions are omitted.
func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	now := time.Now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		data, err := s.redis.HGetAll(ctx, MetricsRedisKey(t.Format("2006-01-02"), t.Hour())).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			Date:          t.Format("2006-01-02"),
			Hour:          t.Hour(),
			Sessions:      parseCount(data, "sessions"),
			Faulted:       parseCount(data, "faulted"),
			Frames:        parseCount(data, "frames"),
			Detections:    parseCount(data, "detections"),
			Dropped:       parseCount(data, "dropped_frames"),
			DecodeErrors:  parseCount(data, "decode_errors"),
			ModelFailures: parseCount(data, "model_failures"),
			ControlEvents: parseCount(data, "control_events"),
		}
		if m.Sessions > 0 {
			m.AvgDurationMs = parseCount(data, "total_duration_ms") / m.Sessions
		}
		metrics = append(metrics, m)
	}

	return metrics, nil
}

func parseCount(data map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(data[field], 10, 64)
	return v
}
