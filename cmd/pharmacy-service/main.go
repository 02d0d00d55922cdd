package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/pharmacy-service/internal/app"
	"qms/pharmacy-service/internal/config"
	"qms/pharmacy-service/internal/httpapi"
	"qms/pharmacy-service/internal/hub"
	"qms/pharmacy-service/internal/outbox"
	"qms/pharmacy-service/internal/projection"
	"qms/pharmacy-service/internal/queue"
	"qms/pharmacy-service/internal/redisx"
	"qms/pharmacy-service/internal/report"
	"qms/pharmacy-service/internal/reservation"
	"qms/pharmacy-service/internal/session"
	"qms/pharmacy-service/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "pharmacy-service"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	store, closeStore, err := app.OpenStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	queues := queue.NewEngine(store, queue.Options{ResetBatchSize: cfg.ResetBatchSize, Logger: logger})
	reservations := reservation.NewEngine(store, reservation.Options{
		DefaultExpiresHours: cfg.ReservationExpiresHours,
		StrictTransitions:   cfg.StrictTransitions,
		Logger:              logger,
	})
	sessions := session.NewStore(store, nil)
	realtimeHub := hub.New(projection.New(store, logger), logger)

	var cache httpapi.TicketCache
	if cfg.RedisAddr != "" {
		c := redisx.NewCache(redisx.New(cfg.RedisAddr))
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.Ping(pingCtx); err != nil {
			logger.Warn("redis unavailable, idempotency cache disabled", "addr", cfg.RedisAddr, "error", err)
			_ = c.Close()
		} else {
			cache = c
			defer c.Close()
		}
		cancel()
	}

	publisher := app.Publisher(cfg, logger)
	defer publisher.Close()
	relay := outbox.NewRelay(store, publisher, outbox.Config{BatchSize: cfg.OutboxBatchSize, Logger: logger})
	go outbox.Start(ctx, cfg.OutboxPollInterval, relay)

	handler := httpapi.NewHandler(queues, reservations, report.NewService(queues, reservations, nil), sessions, httpapi.Options{
		Cache:    cache,
		Realtime: httpapi.NewRealtimeHandler(realtimeHub, sessions, logger),
		Limiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:     cfg.RateLimitPerMinute,
			IPBurst:         cfg.RateLimitBurst,
			BranchPerMinute: cfg.BranchRateLimitPerMinute,
			BranchBurst:     cfg.BranchRateLimitBurst,
			IssuePerMinute:  cfg.IssueRateLimitPerMinute,
			IssueBurst:      cfg.IssueRateLimitBurst,
		}),
		Logger: logger,
	})

	// No WriteTimeout: SockJS streaming transports hold responses open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("pharmacy-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
