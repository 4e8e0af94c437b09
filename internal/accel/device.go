package accel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eleven-am/vision-backend/internal/sidecar"
)

// ErrNoAcceleratedDevice is returned together with the CPU fallback device.
// It is informational: inference still runs, only slower.
var ErrNoAcceleratedDevice = errors.New("no accelerated device available")

type Kind string

const (
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

type DeviceInfo struct {
	Kind              Kind   `json:"kind"`
	Index             int    `json:"index"`
	Name              string `json:"name"`
	Accelerated       bool   `json:"accelerated"`
	MemoryTotalMB     int64  `json:"memory_total_mb,omitempty"`
	ComputeCapability string `json:"compute_capability,omitempty"`
	RuntimeVersion    string `json:"runtime_version,omitempty"`
}

// CPU is the fallback device.
func CPU() DeviceInfo {
	return DeviceInfo{Kind: KindCPU, Name: "cpu"}
}

// String is the device identifier handed to the inference runtime, e.g. "cuda:0".
func (d DeviceInfo) String() string {
	if d.Kind == "" || d.Kind == KindCPU {
		return string(KindCPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

type Mode string

const (
	ModeAuto Mode = "auto"
	ModeCPU  Mode = "cpu"
	ModeCUDA Mode = "cuda"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeCPU, ModeCUDA:
		return m, nil
	default:
		return "", fmt.Errorf("unknown device mode %q", s)
	}
}

// Prober discovers the compute device the models will run on.
type Prober interface {
	Probe(ctx context.Context) (DeviceInfo, error)
}

// Releaser is implemented by probers that own cached device memory.
type Releaser interface {
	Release(ctx context.Context) error
}

// SidecarProber asks the inference runtime which device it owns.
type SidecarProber struct {
	client *sidecar.Client
}

func NewSidecarProber(client *sidecar.Client) *SidecarProber {
	return &SidecarProber{client: client}
}

func (p *SidecarProber) Probe(ctx context.Context) (DeviceInfo, error) {
	resp, err := p.client.Device(ctx)
	if err != nil {
		return CPU(), fmt.Errorf("%w: probe failed: %v", ErrNoAcceleratedDevice, err)
	}
	if !resp.Accelerated {
		return CPU(), ErrNoAcceleratedDevice
	}
	return DeviceInfo{
		Kind:              Kind(resp.Kind),
		Index:             resp.Index,
		Name:              resp.Name,
		Accelerated:       true,
		MemoryTotalMB:     resp.MemoryTotalMB,
		ComputeCapability: resp.ComputeCapability,
		RuntimeVersion:    resp.RuntimeVersion,
	}, nil
}

func (p *SidecarProber) Release(ctx context.Context) error {
	return p.client.ReleaseDevice(ctx)
}

// StaticProber reports a fixed device. Used for forced CPU mode and tests.
type StaticProber struct {
	Info DeviceInfo
}

func (p StaticProber) Probe(context.Context) (DeviceInfo, error) {
	if !p.Info.Accelerated {
		return CPU(), ErrNoAcceleratedDevice
	}
	return p.Info, nil
}
