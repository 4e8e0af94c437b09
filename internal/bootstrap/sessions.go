package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/events"
	"github.com/eleven-am/vision-backend/internal/inference"
	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/eleven-am/vision-backend/internal/shared"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvidePublisher(redisClient *redis.Client, cfg *Config, logger *slog.Logger) events.Publisher {
	if redisClient == nil {
		return events.NopPublisher{}
	}
	return events.NewRedisPublisher(redisClient, cfg.ControlChannel, logger)
}

func ProvideSessionStore(redisClient *redis.Client, cfg *Config) *session.Store {
	if redisClient == nil {
		return nil
	}
	return session.NewStore(redisClient, cfg.SessionMetricsTTL)
}

// ProvideSessionManager depends on the backend manager so that models are
// loaded before the first session is accepted and unloaded after the last
// one is closed.
func ProvideSessionManager(lc fx.Lifecycle, orch *inference.Orchestrator, _ *backend.Manager, publisher events.Publisher, store *session.Store, cfg *Config, logger *slog.Logger) *session.Manager {
	mgr := session.NewManager(orch, publisher, store, session.Options{
		MaxMessageBytes: cfg.SessionMaxMessageBytes,
		Defaults: session.Config{
			ObjectThreshold: cfg.ObjectThreshold,
		},
	}, logger)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Shutdown(ctx)
		},
	})
	return mgr
}

func ProvideSessionHandler(store *session.Store, logger *slog.Logger) *session.Handler {
	return session.NewHandler(store, logger.With("handler", "session"))
}

// ProvideConnectLimiter throttles new sessions per client IP. A rate of
// zero or less disables it.
func ProvideConnectLimiter(lc fx.Lifecycle, cfg *Config) *shared.RateLimiter {
	if cfg.SessionConnectRate <= 0 {
		return nil
	}

	limiter := shared.NewRateLimiter(shared.RateLimiterConfig{
		RequestsPerSecond: cfg.SessionConnectRate,
		Burst:             cfg.SessionConnectBurst,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			limiter.Close()
			return nil
		},
	})
	return limiter
}

func RegisterSessionRoutes(e *echo.Echo, mgr *session.Manager, handler *session.Handler, limiter *shared.RateLimiter) {
	if limiter != nil {
		mgr.RegisterRoutes(e, limiter.Middleware())
	} else {
		mgr.RegisterRoutes(e)
	}
	handler.RegisterRoutes(e.Group("/api/v1/metrics"))
}

var SessionModule = fx.Options(
	fx.Provide(
		ProvidePublisher,
		ProvideSessionStore,
		ProvideSessionManager,
		ProvideSessionHandler,
		ProvideConnectLimiter,
	),
	fx.Invoke(RegisterSessionRoutes),
)
