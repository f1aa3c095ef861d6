package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/chat-hub/internal/auth"
	"github.com/example/chat-hub/internal/config"
	"github.com/example/chat-hub/internal/delivery"
	"github.com/example/chat-hub/internal/dispatch"
	"github.com/example/chat-hub/internal/observability"
	"github.com/example/chat-hub/internal/storage"
	"github.com/example/chat-hub/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = cfg.AppName + "-" + uuid.NewString()[:8]
	}

	logger := log.With().Str("app", cfg.AppName).Str("instance", cfg.InstanceID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := storage.NewStore(resources.Postgres)
	attachments := storage.NewAttachmentStore(resources.Object, cfg.ObjectBucket)

	registry := ws.NewRegistry()
	deliverySvc := delivery.NewService(registry, store, logger)
	relay := delivery.NewRelay(resources.Redis, deliverySvc, cfg.InstanceID, logger)
	deliverySvc.SetRelay(relay)

	handlers := dispatch.NewHandlers(store, store, store, deliverySvc, attachments, logger)
	dispatcher := dispatch.NewDispatcher(handlers, cfg.HandlerTimeout, logger)

	gate, err := auth.NewGate(auth.NewJWTVerifier([]byte(cfg.JWTSecret)))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build auth gate")
	}

	gateway, err := ws.NewGateway(gate, registry, dispatcher, store, store, logger, ws.GatewayConfig{
		SendBuffer:    cfg.SendBuffer,
		WriteTimeout:  cfg.WriteTimeout,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	monitor := ws.NewMonitor(registry, cfg.HeartbeatInterval, cfg.WriteTimeout, gateway.Teardown, logger)
	go monitor.Run(ctx)
	relay.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Int("connections", registry.Len()).Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("hub dependencies initialized")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	for _, conn := range registry.Snapshot() {
		gateway.Teardown(conn, "server shutdown")
	}

	select {
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	default:
		logger.Info().Msg("shutdown complete")
	}
}
