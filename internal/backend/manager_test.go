package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/eleven-am/vision-backend/internal/vision"
)

type fakeAdapter struct {
	kind        models.Kind
	initErr     error
	shutdownErr error

	mu        sync.Mutex
	loaded    bool
	device    accel.DeviceInfo
	inits     int
	shutdowns int
}

func (f *fakeAdapter) Kind() models.Kind { return f.kind }

func (f *fakeAdapter) Initialize(_ context.Context, device accel.DeviceInfo) (models.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	f.device = device
	if f.initErr != nil {
		return models.Capability{}, &models.InitializationError{Kind: f.kind, Err: f.initErr}
	}
	f.loaded = true
	return f.Capability(), nil
}

func (f *fakeAdapter) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakeAdapter) Capability() models.Capability {
	return models.Capability{Kind: f.kind, Model: string(f.kind) + "-model", Device: f.device.String()}
}

func (f *fakeAdapter) Stats() models.Stats { return models.Stats{Calls: 3} }

func (f *fakeAdapter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.loaded = false
	return f.shutdownErr
}

type fakeHand struct{ *fakeAdapter }

func (fakeHand) Detect(context.Context, *vision.Frame) ([]vision.HandDetection, error) {
	return nil, nil
}

type fakePose struct{ *fakeAdapter }

func (fakePose) Detect(context.Context, *vision.Frame) (*vision.PoseDetection, error) {
	return nil, nil
}

type fakeObject struct{ *fakeAdapter }

func (fakeObject) Detect(context.Context, *vision.Frame, float64) ([]vision.ObjectDetection, error) {
	return nil, nil
}

type releaseProber struct {
	accel.StaticProber
	releases int
	err      error
}

func (p *releaseProber) Release(context.Context) error {
	p.releases++
	return p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(prober accel.Prober) (*Manager, *fakeAdapter, *fakeAdapter, *fakeAdapter) {
	hand := &fakeAdapter{kind: models.KindHand}
	pose := &fakeAdapter{kind: models.KindPose}
	object := &fakeAdapter{kind: models.KindObject}
	set := models.Set{Hand: fakeHand{hand}, Pose: fakePose{pose}, Object: fakeObject{object}}
	device := accel.New(prober, accel.Config{}, testLogger())
	return NewManager(device, set, testLogger()), hand, pose, object
}

func gpu() accel.DeviceInfo {
	return accel.DeviceInfo{Kind: accel.KindCUDA, Name: "RTX 4090", Accelerated: true}
}

func TestManager_StartAllModels(t *testing.T) {
	m, hand, pose, object := newFixture(accel.StaticProber{Info: gpu()})

	if m.Ready() {
		t.Error("manager should not be ready before Start")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.Ready() {
		t.Error("manager should be ready after Start")
	}

	for _, a := range []*fakeAdapter{hand, pose, object} {
		if !a.Available() {
			t.Errorf("%s should be loaded", a.kind)
		}
		if a.device.String() != "cuda:0" {
			t.Errorf("%s loaded on %s, expected cuda:0", a.kind, a.device.String())
		}
	}

	r := m.Readiness()
	if !r.Ready || !r.Accelerated || r.Fallback {
		t.Errorf("unexpected readiness: %+v", r)
	}
	if !r.Loaded(models.KindHand) || !r.Loaded(models.KindPose) || !r.Loaded(models.KindObject) {
		t.Errorf("expected all models loaded: %+v", r.Models)
	}
	if r.Models[models.KindHand].Model != "hand-model" || r.Models[models.KindHand].Stats.Calls != 3 {
		t.Errorf("unexpected hand status: %+v", r.Models[models.KindHand])
	}
	if r.StartedAt == nil {
		t.Error("expected start time")
	}
}

func TestManager_StartToleratesModelFailure(t *testing.T) {
	m, hand, _, object := newFixture(accel.StaticProber{Info: gpu()})
	object.initErr = errors.New("weights missing")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate a failing model: %v", err)
	}

	r := m.Readiness()
	if !r.Ready {
		t.Error("manager should still be ready")
	}
	if r.Loaded(models.KindObject) {
		t.Error("object model should not be loaded")
	}
	if r.Models[models.KindObject].Error == "" {
		t.Error("expected object init error in readiness")
	}
	if !hand.Available() {
		t.Error("hand model should be unaffected")
	}
}

func TestManager_CPUFallback(t *testing.T) {
	m, hand, _, _ := newFixture(accel.StaticProber{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := m.Readiness()
	if r.Accelerated || !r.Fallback {
		t.Errorf("expected cpu fallback, got %+v", r)
	}
	if r.DeviceError == "" {
		t.Error("expected device error in readiness")
	}
	if hand.device.Kind != accel.KindCPU {
		t.Errorf("models should load on cpu, got %s", hand.device.String())
	}
}

func TestManager_StartIdempotent(t *testing.T) {
	m, hand, _, _ := newFixture(accel.StaticProber{Info: gpu()})

	m.Start(context.Background())
	m.Start(context.Background())

	if hand.inits != 1 {
		t.Errorf("expected 1 init, got %d", hand.inits)
	}
}

func TestManager_Stop(t *testing.T) {
	prober := &releaseProber{StaticProber: accel.StaticProber{Info: gpu()}}
	m, hand, pose, object := newFixture(prober)
	m.Start(context.Background())

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if m.Ready() {
		t.Error("manager should not be ready after Stop")
	}
	for _, a := range []*fakeAdapter{hand, pose, object} {
		if a.shutdowns != 1 {
			t.Errorf("%s: expected 1 shutdown, got %d", a.kind, a.shutdowns)
		}
	}
	if prober.releases != 1 {
		t.Errorf("expected device released once, got %d", prober.releases)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop should be a no-op: %v", err)
	}
	if hand.shutdowns != 1 || prober.releases != 1 {
		t.Error("second Stop should not repeat teardown")
	}
}

func TestManager_StopBestEffort(t *testing.T) {
	prober := &releaseProber{StaticProber: accel.StaticProber{Info: gpu()}}
	m, hand, pose, object := newFixture(prober)
	hand.shutdownErr = errors.New("unload hand")
	pose.shutdownErr = errors.New("unload pose")
	m.Start(context.Background())

	err := m.Stop(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !errors.Is(err, hand.shutdownErr) || !errors.Is(err, pose.shutdownErr) {
		t.Errorf("expected both shutdown errors, got %v", err)
	}
	if object.shutdowns != 1 {
		t.Error("object should still be shut down after earlier failures")
	}
	if prober.releases != 1 {
		t.Error("device should still be released after model failures")
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	m, hand, _, _ := newFixture(accel.StaticProber{})
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start failed: %v", err)
	}
	if hand.shutdowns != 0 {
		t.Error("Stop before Start should not touch adapters")
	}
}

func TestManager_PartialSet(t *testing.T) {
	hand := &fakeAdapter{kind: models.KindHand}
	device := accel.New(accel.StaticProber{}, accel.Config{}, testLogger())
	m := NewManager(device, models.Set{Hand: fakeHand{hand}}, testLogger())

	m.Start(context.Background())
	r := m.Readiness()

	if len(r.Models) != 1 {
		t.Errorf("expected only configured models in readiness, got %v", r.Models)
	}
	if r.Loaded(models.KindPose) {
		t.Error("unconfigured pose should not be loaded")
	}
}
