package models

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of an adapter's call history.
type Stats struct {
	Calls          uint64        `json:"calls"`
	Failures       uint64        `json:"failures"`
	LastLatency    time.Duration `json:"last_latency_ns"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorAt    *time.Time    `json:"last_error_at,omitempty"`
	Inflight       int           `json:"inflight"`
	OldestInflight *time.Time    `json:"oldest_inflight,omitempty"`
}

// Hung reports whether a call has been in flight longer than threshold.
func (s Stats) Hung(now time.Time, threshold time.Duration) bool {
	return threshold > 0 && s.OldestInflight != nil && now.Sub(*s.OldestInflight) > threshold
}

type tracker struct {
	mu          sync.Mutex
	calls       uint64
	failures    uint64
	lastLatency time.Duration
	lastError   string
	lastErrorAt time.Time
	nextID      uint64
	inflight    map[uint64]time.Time
	now         func() time.Time
}

func newTracker() tracker {
	return tracker{
		inflight: make(map[uint64]time.Time),
		now:      time.Now,
	}
}

// begin registers an in-flight call and returns the function that completes it.
func (t *tracker) begin() func(error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	start := t.now()
	t.inflight[id] = start
	t.calls++
	t.mu.Unlock()

	return func(err error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.inflight, id)
		t.lastLatency = t.now().Sub(start)
		if err != nil {
			t.recordFailure(err)
		}
	}
}

// fail records a call that never reached the model.
func (t *tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.recordFailure(err)
}

func (t *tracker) recordFailure(err error) {
	t.failures++
	t.lastError = err.Error()
	t.lastErrorAt = t.now()
}

func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Calls:       t.calls,
		Failures:    t.failures,
		LastLatency: t.lastLatency,
		LastError:   t.lastError,
		Inflight:    len(t.inflight),
	}
	if !t.lastErrorAt.IsZero() {
		at := t.lastErrorAt
		s.LastErrorAt = &at
	}
	for _, start := range t.inflight {
		if s.OldestInflight == nil || start.Before(*s.OldestInflight) {
			oldest := start
			s.OldestInflight = &oldest
		}
	}
	return s
}
