package outbox

import (
	"context"
	"log/slog"
	"time"

	"qms/pharmacy-service/internal/docstore"
)

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Relay struct {
	store     docstore.Store
	publisher Publisher
	batchSize int
	logger    *slog.Logger
}

type Config struct {
	BatchSize int
	Logger    *slog.Logger
}

func NewRelay(store docstore.Store, publisher Publisher, cfg Config) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	if batch > docstore.MaxBatchSize {
		batch = docstore.MaxBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, publisher: publisher, batchSize: batch, logger: logger}
}

// Run publishes the oldest pending events in order and deletes the ones that
// were delivered. It stops at the first publish failure so later events are
// not delivered ahead of it.
func (r *Relay) Run(ctx context.Context) (int, error) {
	docs, err := r.store.Query(ctx, docstore.Query{Collection: Collection}.
		OrderBy("createdAt", false).
		WithLimit(r.batchSize))
	if err != nil {
		return 0, err
	}

	published := make([]docstore.Ref, 0, len(docs))
	var publishErr error
	for _, doc := range docs {
		event, err := decodeEvent(doc)
		if err != nil {
			r.logger.Warn("outbox drop undecodable event", "event_id", doc.Ref.ID, "error", err)
			published = append(published, doc.Ref)
			continue
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = err
			break
		}
		published = append(published, doc.Ref)
	}

	if len(published) > 0 {
		if err := r.store.BatchDelete(ctx, published); err != nil {
			return 0, err
		}
	}
	return len(published), publishErr
}

func Start(ctx context.Context, interval time.Duration, r *Relay) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.Run(ctx)
			if err != nil {
				r.logger.Error("outbox relay error", "error", err)
			}
			if count > 0 {
				r.logger.Debug("outbox relayed events", "count", count)
			}
		}
	}
}
