package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type RequestStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	ActiveSessions int    `json:"active_sessions"`
}

type ModelsLoaded struct {
	Hand   bool `json:"hand"`
	Pose   bool `json:"pose"`
	Object bool `json:"object"`
}

type LivenessResponse struct {
	Status       Status       `json:"status"`
	Accelerated  bool         `json:"accelerated"`
	Device       string       `json:"device"`
	ModelsLoaded ModelsLoaded `json:"models_loaded"`
}

type ReadinessResponse struct {
	Status        Status                     `json:"status"`
	Reasons       []string                   `json:"reasons,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Backend       backend.Readiness          `json:"backend"`
	HungModels    []models.Kind              `json:"hung_models,omitempty"`
	Requests      RequestStats               `json:"requests"`
	Runtime       RuntimeStats               `json:"runtime"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionsResponse struct {
	Total    int               `json:"total"`
	Sessions []session.Summary `json:"sessions"`
}

// ReadinessSource reports the backend state. *backend.Manager satisfies it.
type ReadinessSource interface {
	Readiness() backend.Readiness
}

// SessionLister reports live sessions. *session.Manager satisfies it.
type SessionLister interface {
	Active() []session.Summary
}

// RuntimeChecker reports whether the inference runtime answers.
type RuntimeChecker interface {
	IsAvailable(ctx context.Context) bool
}

type Config struct {
	Version       string
	HungThreshold time.Duration
}

type Handler struct {
	backend  ReadinessSource
	sessions SessionLister
	runtime  RuntimeChecker
	redis    *redis.Client
	cfg      Config

	startTime     time.Time
	now           func() time.Time
	totalRequests uint64
}

// NewHandler builds the health handler. runtime and redis may be nil; a nil
// redis client is reported as disabled rather than unhealthy.
func NewHandler(source ReadinessSource, sessions SessionLister, runtime RuntimeChecker, redis *redis.Client, cfg Config) *Handler {
	return &Handler{
		backend:   source,
		sessions:  sessions,
		runtime:   runtime,
		redis:     redis,
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
}

// CountRequests is echo middleware feeding the request counter.
func (h *Handler) CountRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		atomic.AddUint64(&h.totalRequests, 1)
		return next(c)
	}
}

func (h *Handler) Liveness(c echo.Context) error {
	r := h.backend.Readiness()
	status, _ := Evaluate(r, h.now(), h.cfg.HungThreshold)

	return c.JSON(http.StatusOK, LivenessResponse{
		Status:      status,
		Accelerated: r.Accelerated,
		Device:      r.Device.String(),
		ModelsLoaded: ModelsLoaded{
			Hand:   r.Loaded(models.KindHand),
			Pose:   r.Loaded(models.KindPose),
			Object: r.Loaded(models.KindObject),
		},
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []struct {
		name  string
		check func(context.Context) ComponentStatus
	}{
		{"inference_runtime", h.checkRuntime},
		{"redis", h.checkRedis},
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	now := h.now()
	r := h.backend.Readiness()
	status, reasons := Evaluate(r, now, h.cfg.HungThreshold)
	for name, cs := range components {
		if cs.Status == StatusUnhealthy && status == StatusHealthy {
			status = StatusDegraded
			reasons = append(reasons, name+" unhealthy")
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	active := 0
	if h.sessions != nil {
		active = len(h.sessions.Active())
	}

	resp := ReadinessResponse{
		Status:        status,
		Reasons:       reasons,
		Timestamp:     now.UTC(),
		Version:       h.cfg.Version,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Backend:       r,
		HungModels:    HungModels(r, now, h.cfg.HungThreshold),
		Requests: RequestStats{
			TotalRequests:  atomic.LoadUint64(&h.totalRequests),
			ActiveSessions: active,
		},
		Runtime: RuntimeStats{
			Goroutines:         runtime.NumGoroutine(),
			MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
			MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
			MemorySysMB:        memStats.Sys / 1024 / 1024,
			NumGC:              memStats.NumGC,
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) Sessions(c echo.Context) error {
	sessions := []session.Summary{}
	if h.sessions != nil {
		sessions = h.sessions.Active()
	}

	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) checkRuntime(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.runtime == nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "inference runtime not configured",
		}
	}

	if !h.runtime.IsAvailable(ctx) {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "health check failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.redis == nil {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "redis disabled",
		}
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// Evaluate grades backend readiness. The backend is unhealthy until it is
// ready with a hand model; missing optional models, device fallback and
// hung models degrade it.
func Evaluate(r backend.Readiness, now time.Time, hungThreshold time.Duration) (Status, []string) {
	if !r.Ready {
		return StatusUnhealthy, []string{"backend not ready"}
	}
	if !r.Loaded(models.KindHand) {
		return StatusUnhealthy, []string{"hand model not loaded"}
	}

	var reasons []string
	for _, kind := range []models.Kind{models.KindPose, models.KindObject} {
		if ms, ok := r.Models[kind]; ok && !ms.Loaded {
			reasons = append(reasons, string(kind)+" model not loaded")
		}
	}
	if r.Fallback {
		reasons = append(reasons, "running on cpu fallback")
	}
	for _, kind := range HungModels(r, now, hungThreshold) {
		reasons = append(reasons, string(kind)+" model hung")
	}

	if len(reasons) > 0 {
		return StatusDegraded, reasons
	}
	return StatusHealthy, nil
}

// HungModels lists the models with a call in flight longer than threshold.
func HungModels(r backend.Readiness, now time.Time, threshold time.Duration) []models.Kind {
	var hung []models.Kind
	for _, kind := range models.Kinds {
		if ms, ok := r.Models[kind]; ok && ms.Stats.Hung(now, threshold) {
			hung = append(hung, kind)
		}
	}
	return hung
}
