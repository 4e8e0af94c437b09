package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// ProvideRedisClient returns nil when REDIS_ADDR is empty. Everything that
// takes the client treats nil as "redis disabled".
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("redis disabled, control events and session metrics are off")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideSidecarClient(cfg *Config) *sidecar.Client {
	return sidecar.NewClient(sidecar.Config{
		BaseURL: cfg.InferenceURL,
		Token:   cfg.InferenceToken,
	})
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideSidecarClient,
	),
)
