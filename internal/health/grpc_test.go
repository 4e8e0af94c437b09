package health

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/models"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type mutableSource struct {
	mu sync.Mutex
	r  backend.Readiness
}

func (s *mutableSource) Readiness() backend.Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

func (s *mutableSource) set(r backend.Readiness) {
	s.mu.Lock()
	s.r = r
	s.mu.Unlock()
}

func checkStatus(t *testing.T, srv *grpchealth.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.Status
}

func newTestSyncer(source ReadinessSource) (*GRPCSyncer, *grpchealth.Server) {
	srv := grpchealth.NewServer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGRPCSyncer(srv, source, 30*time.Second, time.Hour, logger), srv
}

func TestGRPCSyncer_Sync(t *testing.T) {
	source := &mutableSource{r: readyWith(map[models.Kind]bool{
		models.KindHand:   true,
		models.KindObject: false,
	})}
	syncer, srv := newTestSyncer(source)
	syncer.Sync()

	if got := checkStatus(t, srv, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall: expected SERVING, got %s", got)
	}
	if got := checkStatus(t, srv, "vision.hand"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("hand: expected SERVING, got %s", got)
	}
	if got := checkStatus(t, srv, "vision.object"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("object: expected NOT_SERVING, got %s", got)
	}
	if got := checkStatus(t, srv, "vision.pose"); got != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Errorf("pose: expected SERVICE_UNKNOWN, got %s", got)
	}

	source.set(backend.Readiness{Phase: backend.PhaseStopping, Models: source.Readiness().Models})
	syncer.Sync()

	if got := checkStatus(t, srv, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall after stop: expected NOT_SERVING, got %s", got)
	}
	if got := checkStatus(t, srv, "vision.hand"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("hand after stop: expected NOT_SERVING, got %s", got)
	}
}

func TestGRPCSyncer_HungModel(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	r := allLoaded()
	ms := r.Models[models.KindHand]
	ms.Stats = models.Stats{Inflight: 1, OldestInflight: &started}
	r.Models[models.KindHand] = ms

	syncer, srv := newTestSyncer(&mutableSource{r: r})
	syncer.Sync()

	if got := checkStatus(t, srv, "vision.hand"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("hung hand: expected NOT_SERVING, got %s", got)
	}
	if got := checkStatus(t, srv, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall with hung model: expected SERVING, got %s", got)
	}
}

func TestGRPCSyncer_RunAndShutdown(t *testing.T) {
	syncer, srv := newTestSyncer(&mutableSource{r: allLoaded()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "vision.pose"})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	syncer.Shutdown()
	if got := checkStatus(t, srv, "vision.pose"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING after shutdown, got %s", got)
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName(models.KindObject); got != "vision.object" {
		t.Errorf("expected vision.object, got %s", got)
	}
}
