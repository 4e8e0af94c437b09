package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/inference"
	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"go.uber.org/fx"
)

func ProvideAccelContext(client *sidecar.Client, cfg *Config, logger *slog.Logger) *accel.Context {
	return accel.New(accel.NewSidecarProber(client), accel.Config{
		Mode:        cfg.Device,
		MaxInflight: cfg.DeviceMaxInflight,
	}, logger)
}

func ProvideModelSet(client *sidecar.Client, device *accel.Context, cfg *Config, logger *slog.Logger) models.Set {
	return models.NewSet(models.Config{
		Enabled:     cfg.EnabledModels,
		HandModel:   cfg.HandModel,
		PoseModel:   cfg.PoseModel,
		ObjectModel: cfg.ObjectModel,
	}, client, device, logger)
}

func ProvideOrchestrator(set models.Set, cfg *Config, logger *slog.Logger) *inference.Orchestrator {
	return inference.New(set, inference.Config{Timeout: cfg.InferenceTimeout}, logger)
}

func ProvideBackendManager(lc fx.Lifecycle, device *accel.Context, set models.Set, logger *slog.Logger) *backend.Manager {
	mgr := backend.NewManager(device, set, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return mgr.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := mgr.Stop(ctx); err != nil {
				logger.Warn("backend teardown incomplete", "error", err)
			}
			return nil
		},
	})
	return mgr
}

var PerceptionModule = fx.Options(
	fx.Provide(
		ProvideAccelContext,
		ProvideModelSet,
		ProvideOrchestrator,
		ProvideBackendManager,
	),
)
