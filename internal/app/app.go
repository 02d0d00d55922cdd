// Package app wires configuration into the store and outbox transports shared
// by the service and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"qms/pharmacy-service/internal/config"
	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/docstore/memory"
	"qms/pharmacy-service/internal/docstore/postgres"
	"qms/pharmacy-service/internal/outbox"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenStore connects the document store named by dsn, or an in-memory store
// when dsn is empty. For postgres it applies the schema and keeps the LISTEN
// loop running until ctx is done. The returned func releases everything.
func OpenStore(ctx context.Context, dsn string, logger *slog.Logger) (docstore.Store, func(), error) {
	if dsn == "" {
		logger.Warn("DB_DSN not set, using in-memory store")
		st := memory.New(memory.Options{})
		return st, func() { _ = st.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	st := postgres.NewStore(pool, postgres.Options{})
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		listen(listenCtx, st, logger)
	}()

	return st, func() {
		cancel()
		<-done
		_ = st.Close()
		pool.Close()
	}, nil
}

func listen(ctx context.Context, st *postgres.Store, logger *slog.Logger) {
	backoff := 500 * time.Millisecond
	for {
		err := st.Listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("docstore listen stopped, restarting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

// Publisher builds the outbox transport from configuration: Kafka and
// RabbitMQ when configured, the log publisher otherwise. A broker that cannot
// be reached at startup is skipped with an error log.
func Publisher(cfg config.Config, logger *slog.Logger) outbox.Publisher {
	var fanout outbox.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		fanout = append(fanout, outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("outbox kafka publisher enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.AMQPURL != "" {
		pub, err := outbox.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("outbox amqp dial failed", "error", err)
		} else {
			fanout = append(fanout, pub)
			logger.Info("outbox amqp publisher enabled", "exchange", cfg.AMQPExchange)
		}
	}
	if len(fanout) == 0 {
		return outbox.NewLogPublisher(logger)
	}
	return fanout
}

func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
