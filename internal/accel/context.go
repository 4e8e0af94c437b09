package accel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Config struct {
	Mode        Mode
	MaxInflight int
}

// Context is the process-wide handle on the compute device. It is probed
// once, shared by every model adapter and released once at shutdown.
type Context struct {
	prober      Prober
	mode        Mode
	maxInflight int
	sem         *semaphore.Weighted
	logger      *slog.Logger

	mu        sync.Mutex
	selected  bool
	released  bool
	info      DeviceInfo
	selectErr error
}

func New(prober Prober, cfg Config, logger *slog.Logger) *Context {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	return &Context{
		prober:      prober,
		mode:        cfg.Mode,
		maxInflight: cfg.MaxInflight,
		sem:         semaphore.NewWeighted(int64(cfg.MaxInflight)),
		logger:      logger.With("component", "accel"),
	}
}

// SelectDevice probes the device on first call and returns the cached result
// afterwards. When no accelerator is usable it returns the CPU device along
// with ErrNoAcceleratedDevice.
func (c *Context) SelectDevice(ctx context.Context) (DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selected {
		return c.info, c.selectErr
	}

	if c.mode == ModeCPU {
		c.info, c.selectErr = CPU(), ErrNoAcceleratedDevice
	} else {
		c.info, c.selectErr = c.prober.Probe(ctx)
		if c.selectErr != nil && !errors.Is(c.selectErr, ErrNoAcceleratedDevice) {
			c.info = CPU()
			c.selectErr = fmt.Errorf("%w: %v", ErrNoAcceleratedDevice, c.selectErr)
		}
	}
	c.selected = true

	switch {
	case c.selectErr == nil:
		c.logger.Info("accelerated device selected",
			"device", c.info.String(),
			"name", c.info.Name,
			"memory_mb", c.info.MemoryTotalMB,
			"max_inflight", c.maxInflight)
	case c.mode == ModeCUDA:
		c.logger.Warn("cuda requested but unavailable, falling back to cpu", "error", c.selectErr)
	default:
		c.logger.Info("running on cpu", "reason", c.selectErr)
	}

	return c.info, c.selectErr
}

// Device returns the selected device. Before selection it reports CPU.
func (c *Context) Device() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return CPU()
	}
	return c.info
}

func (c *Context) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Acquire waits for a device slot. It only fails when ctx ends first.
func (c *Context) Acquire(ctx context.Context) (func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() { c.sem.Release(1) }), nil
}

// Release flushes cached device memory. Safe to call more than once.
func (c *Context) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.selected || c.released {
		return nil
	}
	c.released = true

	if !c.info.Accelerated {
		return nil
	}
	r, ok := c.prober.(Releaser)
	if !ok {
		return nil
	}
	if err := r.Release(ctx); err != nil {
		c.logger.Warn("device release failed", "error", err)
		return err
	}
	c.logger.Info("device released", "device", c.info.String())
	return nil
}
