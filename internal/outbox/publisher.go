package outbox

import (
	"context"
	"errors"
	"log/slog"
)

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "outbox event",
		"event_id", event.EventID,
		"type", event.Type,
		"branch_id", event.BranchID,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Fanout publishes to every publisher in order and fails on the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
