package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/eleven-am/vision-backend/internal/vision"
)

type Kind string

const (
	KindHand   Kind = "hand"
	KindPose   Kind = "pose"
	KindObject Kind = "object"
)

// Kinds lists every model kind in result order.
var Kinds = []Kind{KindHand, KindObject, KindPose}

func ParseKinds(s string) ([]Kind, error) {
	if strings.TrimSpace(s) == "" {
		return Kinds, nil
	}
	seen := make(map[Kind]bool)
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		k := Kind(strings.ToLower(strings.TrimSpace(part)))
		switch k {
		case KindHand, KindPose, KindObject:
		case "":
			continue
		default:
			return nil, fmt.Errorf("unknown model kind %q", part)
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

var ErrUnavailable = errors.New("model not loaded")

// Capability describes a loaded model.
type Capability struct {
	Kind    Kind   `json:"kind"`
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
	Device  string `json:"device"`
}

type InitializationError struct {
	Kind Kind
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s model: %v", e.Kind, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

type DetectionError struct {
	Kind Kind
	Err  error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("%s detection: %v", e.Kind, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// Adapter is the lifecycle half of every perception model. Implementations
// are shared by all sessions and safe for concurrent use.
type Adapter interface {
	Kind() Kind
	Initialize(ctx context.Context, device accel.DeviceInfo) (Capability, error)
	Available() bool
	Capability() Capability
	Stats() Stats
	Shutdown(ctx context.Context) error
}

type HandModel interface {
	Adapter
	Detect(ctx context.Context, frame *vision.Frame) ([]vision.HandDetection, error)
}

type PoseModel interface {
	Adapter
	Detect(ctx context.Context, frame *vision.Frame) (*vision.PoseDetection, error)
}

type ObjectModel interface {
	Adapter
	Detect(ctx context.Context, frame *vision.Frame, threshold float64) ([]vision.ObjectDetection, error)
}

// runtimeModel is the part shared by all adapters: loading the model in the
// inference runtime, running it under a device slot and keeping stats.
type runtimeModel struct {
	kind    Kind
	model   string
	options map[string]any
	client  *sidecar.Client
	device  *accel.Context
	logger  *slog.Logger
	stats   tracker

	mu         sync.RWMutex
	loaded     bool
	capability Capability
}

func newRuntimeModel(kind Kind, model string, options map[string]any, client *sidecar.Client, device *accel.Context, logger *slog.Logger) *runtimeModel {
	return &runtimeModel{
		kind:    kind,
		model:   model,
		options: options,
		client:  client,
		device:  device,
		logger:  logger.With("component", "model", "kind", string(kind)),
		stats:   newTracker(),
	}
}

func (m *runtimeModel) Kind() Kind {
	return m.kind
}

func (m *runtimeModel) Initialize(ctx context.Context, device accel.DeviceInfo) (Capability, error) {
	resp, err := m.client.LoadModel(ctx, string(m.kind), sidecar.LoadRequest{
		Device:  device.String(),
		Model:   m.model,
		Options: m.options,
	})
	if err != nil {
		m.mu.Lock()
		m.loaded = false
		m.mu.Unlock()
		m.logger.Error("model failed to load", "model", m.model, "device", device.String(), "error", err)
		return Capability{}, &InitializationError{Kind: m.kind, Err: err}
	}

	capability := Capability{
		Kind:    m.kind,
		Model:   m.model,
		Version: resp.Version,
		Device:  device.String(),
	}
	if resp.Model != "" {
		capability.Model = resp.Model
	}

	m.mu.Lock()
	m.loaded = true
	m.capability = capability
	m.mu.Unlock()

	m.logger.Info("model loaded", "model", capability.Model, "version", capability.Version, "device", capability.Device)
	return capability, nil
}

func (m *runtimeModel) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *runtimeModel) Capability() Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capability
}

func (m *runtimeModel) Stats() Stats {
	return m.stats.snapshot()
}

// Shutdown unloads the model. Calling it again, or on a model that never
// loaded, does nothing.
func (m *runtimeModel) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return nil
	}
	m.loaded = false
	m.mu.Unlock()

	if err := m.client.UnloadModel(ctx, string(m.kind)); err != nil && !sidecar.IsNotFound(err) {
		return fmt.Errorf("unload %s model: %w", m.kind, err)
	}
	m.logger.Info("model unloaded")
	return nil
}

func (m *runtimeModel) infer(ctx context.Context, frame *vision.Frame, options map[string]any, out any) error {
	if !m.Available() {
		return &DetectionError{Kind: m.kind, Err: ErrUnavailable}
	}

	release, err := m.device.Acquire(ctx)
	if err != nil {
		m.stats.fail(err)
		return &DetectionError{Kind: m.kind, Err: fmt.Errorf("wait for device: %w", err)}
	}
	defer release()

	done := m.stats.begin()
	err = m.client.Infer(ctx, string(m.kind), sidecar.InferRequest{
		Image:   sidecar.NewImage(frame),
		Options: options,
	}, out)
	done(err)

	if err != nil {
		return &DetectionError{Kind: m.kind, Err: err}
	}
	return nil
}
