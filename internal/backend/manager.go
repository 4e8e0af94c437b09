package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/models"
)

type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
	PhaseStopping Phase = "stopping"
)

type ModelStatus struct {
	Kind    models.Kind  `json:"kind"`
	Loaded  bool         `json:"loaded"`
	Model   string       `json:"model,omitempty"`
	Version string       `json:"version,omitempty"`
	Error   string       `json:"error,omitempty"`
	Stats   models.Stats `json:"stats"`
}

type Readiness struct {
	Ready       bool                        `json:"ready"`
	Phase       Phase                       `json:"phase"`
	Device      accel.DeviceInfo            `json:"device"`
	Accelerated bool                        `json:"accelerated"`
	Fallback    bool                        `json:"fallback"`
	DeviceError string                      `json:"device_error,omitempty"`
	Models      map[models.Kind]ModelStatus `json:"models"`
	StartedAt   *time.Time                  `json:"started_at,omitempty"`
}

// Loaded reports whether the given model kind is configured and loaded.
func (r Readiness) Loaded(kind models.Kind) bool {
	return r.Models[kind].Loaded
}

// Manager brings the device and the models up once per process and tears
// them down in reverse.
type Manager struct {
	device *accel.Context
	models models.Set
	logger *slog.Logger

	mu        sync.RWMutex
	phase     Phase
	deviceErr error
	initErrs  map[models.Kind]error
	startedAt time.Time
}

func NewManager(device *accel.Context, set models.Set, logger *slog.Logger) *Manager {
	return &Manager{
		device:   device,
		models:   set,
		logger:   logger.With("component", "backend"),
		phase:    PhaseStopped,
		initErrs: make(map[models.Kind]error),
	}
}

// Start selects the device and loads every configured model. A model that
// fails to load is left unavailable and reported through Readiness.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseStopped {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseStarting
	m.mu.Unlock()

	info, deviceErr := m.device.SelectDevice(ctx)

	adapters := m.models.Adapters()
	errs := make([]error, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a models.Adapter) {
			defer wg.Done()
			_, errs[i] = a.Initialize(ctx, info)
		}(i, a)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.deviceErr = deviceErr
	m.initErrs = make(map[models.Kind]error)
	loaded := 0
	for i, a := range adapters {
		if errs[i] != nil {
			m.initErrs[a.Kind()] = errs[i]
			continue
		}
		loaded++
	}

	m.phase = PhaseReady
	m.startedAt = time.Now()
	m.logger.Info("backend ready",
		"device", info.String(),
		"accelerated", info.Accelerated,
		"models_loaded", loaded,
		"models_configured", len(adapters))
	return nil
}

// Stop unloads every model and then releases the device. Every step runs
// even if an earlier one fails; the failures are returned joined.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseStopped || m.phase == PhaseStopping {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseStopping
	m.mu.Unlock()

	var errs []error
	for _, a := range m.models.Adapters() {
		if err := a.Shutdown(ctx); err != nil {
			m.logger.Warn("model shutdown failed", "kind", string(a.Kind()), "error", err)
			errs = append(errs, err)
		}
	}

	if err := m.device.Release(ctx); err != nil {
		m.logger.Warn("device release failed", "error", err)
		errs = append(errs, fmt.Errorf("release device: %w", err))
	}

	m.mu.Lock()
	m.phase = PhaseStopped
	m.mu.Unlock()

	m.logger.Info("backend stopped", "errors", len(errs))
	return errors.Join(errs...)
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == PhaseReady
}

func (m *Manager) Models() models.Set {
	return m.models
}

func (m *Manager) Readiness() Readiness {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device := m.device.Device()
	r := Readiness{
		Ready:       m.phase == PhaseReady,
		Phase:       m.phase,
		Device:      device,
		Accelerated: device.Accelerated,
		Fallback:    m.device.Selected() && !device.Accelerated,
		Models:      make(map[models.Kind]ModelStatus, len(models.Kinds)),
	}
	if m.deviceErr != nil {
		r.DeviceError = m.deviceErr.Error()
	}
	if !m.startedAt.IsZero() {
		at := m.startedAt
		r.StartedAt = &at
	}

	for _, a := range m.models.Adapters() {
		capability := a.Capability()
		status := ModelStatus{
			Kind:    a.Kind(),
			Loaded:  a.Available(),
			Model:   capability.Model,
			Version: capability.Version,
			Stats:   a.Stats(),
		}
		if err := m.initErrs[a.Kind()]; err != nil {
			status.Error = err.Error()
		}
		r.Models[a.Kind()] = status
	}
	return r
}
