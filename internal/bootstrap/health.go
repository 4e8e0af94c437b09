package bootstrap

import (
	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/health"
	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(
	mgr *backend.Manager,
	sessions *session.Manager,
	client *sidecar.Client,
	redis *redis.Client,
	cfg *Config,
) *health.Handler {
	return health.NewHandler(mgr, sessions, client, redis, health.Config{
		Version:       version,
		HungThreshold: cfg.HungModelThreshold,
	})
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(h.CountRequests)
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
