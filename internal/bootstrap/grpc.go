package bootstrap

import (
	"context"
	"log/slog"
	"net"

	"github.com/eleven-am/vision-backend/internal/backend"
	"github.com/eleven-am/vision-backend/internal/health"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func NewGRPCServer() *grpc.Server {
	return grpc.NewServer()
}

func ProvideHealthServer() *grpchealth.Server {
	return grpchealth.NewServer()
}

func ProvideGRPCSyncer(server *grpchealth.Server, mgr *backend.Manager, cfg *Config, logger *slog.Logger) *health.GRPCSyncer {
	return health.NewGRPCSyncer(server, mgr, cfg.HungModelThreshold, health.DefaultSyncInterval, logger)
}

func RegisterHealthService(server *grpc.Server, hs *grpchealth.Server) {
	healthpb.RegisterHealthServer(server, hs)
}

func StartHealthSync(lc fx.Lifecycle, syncer *health.GRPCSyncer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				syncer.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			syncer.Shutdown()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func StartGRPCServer(lc fx.Lifecycle, server *grpc.Server, cfg *Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			go func() {
				logger.Info("gRPC server starting", "addr", cfg.GRPCAddr)
				if err := server.Serve(lis); err != nil {
					logger.Error("gRPC server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.GracefulStop()
			return nil
		},
	})
}

var GRPCModule = fx.Options(
	fx.Provide(
		NewGRPCServer,
		ProvideHealthServer,
		ProvideGRPCSyncer,
	),
	fx.Invoke(RegisterHealthService),
	fx.Invoke(StartHealthSync),
	fx.Invoke(StartGRPCServer),
)
