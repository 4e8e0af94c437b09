package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/vision-backend/internal/models"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultSyncInterval = 5 * time.Second

// ServiceName is the gRPC health service name for a model kind.
func ServiceName(kind models.Kind) string {
	return "vision." + string(kind)
}

// GRPCSyncer mirrors backend readiness into a gRPC health server: the
// overall service ("") and one service per model kind.
type GRPCSyncer struct {
	server    *grpchealth.Server
	source    ReadinessSource
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewGRPCSyncer(server *grpchealth.Server, source ReadinessSource, hungThreshold, interval time.Duration, logger *slog.Logger) *GRPCSyncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &GRPCSyncer{
		server:    server,
		source:    source,
		threshold: hungThreshold,
		interval:  interval,
		logger:    logger.With("component", "grpc_health"),
		now:       time.Now,
		last:      make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Sync pushes the current readiness to the health server. A model that is
// not configured reports SERVICE_UNKNOWN.
func (s *GRPCSyncer) Sync() {
	now := s.now()
	r := s.source.Readiness()
	status, reasons := Evaluate(r, now, s.threshold)

	overall := healthpb.HealthCheckResponse_SERVING
	if status == StatusUnhealthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set("", overall, reasons)

	hung := make(map[models.Kind]bool)
	for _, kind := range HungModels(r, now, s.threshold) {
		hung[kind] = true
	}

	for _, kind := range models.Kinds {
		st := healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		if ms, ok := r.Models[kind]; ok {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			if r.Ready && ms.Loaded && !hung[kind] {
				st = healthpb.HealthCheckResponse_SERVING
			}
		}
		s.set(ServiceName(kind), st, nil)
	}
}

func (s *GRPCSyncer) set(service string, st healthpb.HealthCheckResponse_ServingStatus, reasons []string) {
	s.mu.Lock()
	prev, seen := s.last[service]
	s.last[service] = st
	s.mu.Unlock()

	if seen && prev == st {
		return
	}
	s.server.SetServingStatus(service, st)
	if seen {
		s.logger.Info("health status changed", "service", service, "status", st.String(), "reasons", reasons)
	}
}

// Run syncs on every tick until ctx is done.
func (s *GRPCSyncer) Run(ctx context.Context) {
	s.Sync()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (s *GRPCSyncer) Shutdown() {
	s.server.Shutdown()
}
