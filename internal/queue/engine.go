// Package queue issues per-branch tickets and moves them through the single
// serving slot. All state lives in the docstore; an Engine keeps nothing
// between calls and may run in several processes at once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/outbox"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultResetBatchSize = 450

type Options struct {
	// ResetBatchSize is the number of tickets deleted per batch while
	// draining a reset. Capped at docstore.MaxBatchSize.
	ResetBatchSize int
	Logger         *slog.Logger
}

type Engine struct {
	store     docstore.Store
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewEngine(store docstore.Store, options Options) *Engine {
	batch := options.ResetBatchSize
	if batch <= 0 {
		batch = DefaultResetBatchSize
	}
	if batch > docstore.MaxBatchSize {
		batch = docstore.MaxBatchSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		batchSize: batch,
		logger:    logger,
		tracer:    otel.Tracer("qms/pharmacy-service/queue"),
	}
}

func (e *Engine) IssueTicket(ctx context.Context, branchID string) (models.IssuedTicket, error) {
	branchID, err := validBranch(branchID)
	if err != nil {
		return models.IssuedTicket{}, err
	}
	ctx, span := e.start(ctx, "queue.IssueTicket", branchID)
	defer span.End()

	var issued models.IssuedTicket
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		q, exists, err := readQueue(ctx, tx, branchID)
		if err != nil {
			return err
		}
		next := int64(1)
		queueRef := QueueRef(branchID)
		if exists {
			next = q.CurrentNumber + 1
			err = tx.Set(ctx, queueRef, map[string]any{
				"currentNumber": next,
				"updatedAt":     docstore.ServerTimestamp,
			}, docstore.Merge())
		} else {
			err = tx.Set(ctx, queueRef, map[string]any{
				"currentNumber":   next,
				"servingTicketId": nil,
				"updatedAt":       docstore.ServerTimestamp,
			})
		}
		if err != nil {
			return err
		}

		ticketRef := docstore.NewRef(TicketsCollection(branchID))
		if err := tx.Set(ctx, ticketRef, map[string]any{
			"ticketNumber": next,
			"status":       models.StatusWaiting,
			"epoch":        q.Epoch,
			"createdAt":    docstore.ServerTimestamp,
		}); err != nil {
			return err
		}
		if err := outbox.Record(ctx, tx, outbox.TicketIssued, branchID, map[string]any{
			"ticket_id":     ticketRef.ID,
			"ticket_number": next,
		}); err != nil {
			return err
		}
		issued = models.IssuedTicket{TicketID: ticketRef.ID, BranchID: branchID, TicketNumber: next}
		return nil
	})
	if err != nil {
		return models.IssuedTicket{}, e.fail(span, "issue ticket", err)
	}
	span.SetAttributes(attribute.Int64("ticket_number", issued.TicketNumber))
	return issued, nil
}

// AdvanceTicket puts the lowest-numbered waiting ticket into the serving slot.
// It returns found=false and clears the slot when nobody is waiting. A ticket
// already in the slot keeps its serving status; callers complete it first.
func (e *Engine) AdvanceTicket(ctx context.Context, branchID string) (models.Ticket, bool, error) {
	branchID, err := validBranch(branchID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ctx, span := e.start(ctx, "queue.AdvanceTicket", branchID)
	defer span.End()

	var (
		ticket models.Ticket
		found  bool
	)
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		ticket, found = models.Ticket{}, false
		docs, err := tx.Query(ctx, WaitingQuery(branchID).WithLimit(1))
		if err != nil {
			return err
		}
		queueRef := QueueRef(branchID)
		if len(docs) == 0 {
			return tx.Set(ctx, queueRef, map[string]any{
				"servingTicketId": nil,
				"updatedAt":       docstore.ServerTimestamp,
			}, docstore.Merge())
		}

		next, err := DecodeTicket(branchID, docs[0])
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, docs[0].Ref, map[string]any{"status": models.StatusServing}); err != nil {
			return err
		}
		if err := tx.Set(ctx, queueRef, map[string]any{
			"servingTicketId": next.TicketID,
			"updatedAt":       docstore.ServerTimestamp,
		}, docstore.Merge()); err != nil {
			return err
		}
		if err := outbox.Record(ctx, tx, outbox.TicketServing, branchID, map[string]any{
			"ticket_id":     next.TicketID,
			"ticket_number": next.TicketNumber,
		}); err != nil {
			return err
		}
		next.Status = models.StatusServing
		ticket, found = next, true
		return nil
	})
	if err != nil {
		return models.Ticket{}, false, e.fail(span, "advance ticket", err)
	}
	return ticket, found, nil
}

// CompleteTicket marks the serving ticket done and empties the slot. It
// returns found=false when nothing is being served.
func (e *Engine) CompleteTicket(ctx context.Context, branchID string) (models.Ticket, bool, error) {
	branchID, err := validBranch(branchID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ctx, span := e.start(ctx, "queue.CompleteTicket", branchID)
	defer span.End()

	var (
		ticket models.Ticket
		found  bool
	)
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		ticket, found = models.Ticket{}, false
		meta, exists, err := readMeta(ctx, tx, branchID)
		if err != nil {
			return err
		}
		if !exists || meta.ServingTicketID == nil {
			return nil
		}

		ticketRef := docstore.Ref{Collection: TicketsCollection(branchID), ID: *meta.ServingTicketID}
		doc, err := tx.Get(ctx, ticketRef)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return err
		default:
			current, err := DecodeTicket(branchID, doc)
			if err != nil {
				return err
			}
			if err := tx.Update(ctx, ticketRef, map[string]any{"status": models.StatusDone}); err != nil {
				return err
			}
			if err := outbox.Record(ctx, tx, outbox.TicketDone, branchID, map[string]any{
				"ticket_id":     current.TicketID,
				"ticket_number": current.TicketNumber,
			}); err != nil {
				return err
			}
			current.Status = models.StatusDone
			ticket, found = current, true
		}
		return tx.Set(ctx, QueueRef(branchID), map[string]any{
			"servingTicketId": nil,
			"updatedAt":       docstore.ServerTimestamp,
		}, docstore.Merge())
	})
	if err != nil {
		return models.Ticket{}, false, e.fail(span, "complete ticket", err)
	}
	return ticket, found, nil
}

// ResetQueue zeroes the counter and clears the slot in one transaction, then
// deletes the branch's tickets in batches. The drain is not atomic with the
// metadata reset: if it fails part way the queue is already usable, stale
// tickets remain, and calling ResetQueue again finishes the cleanup. Tickets
// issued after the metadata reset are not drained.
func (e *Engine) ResetQueue(ctx context.Context, branchID string) error {
	branchID, err := validBranch(branchID)
	if err != nil {
		return err
	}
	ctx, span := e.start(ctx, "queue.ResetQueue", branchID)
	defer span.End()

	queueRef := QueueRef(branchID)
	var epoch int64
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		q, _, err := readQueue(ctx, tx, branchID)
		if err != nil {
			return err
		}
		epoch = q.Epoch + 1
		if err := tx.Set(ctx, queueRef, map[string]any{
			"currentNumber":   0,
			"servingTicketId": nil,
			"epoch":           epoch,
			"resetAt":         docstore.ServerTimestamp,
			"updatedAt":       docstore.ServerTimestamp,
		}, docstore.Merge()); err != nil {
			return err
		}
		return outbox.Record(ctx, tx, outbox.QueueReset, branchID, map[string]any{"epoch": epoch})
	})
	if err != nil {
		return e.fail(span, "reset queue", err)
	}

	deleted, err := e.drain(ctx, branchID, epoch)
	span.SetAttributes(attribute.Int("deleted", deleted))
	if err != nil {
		e.logger.Warn("queue reset drain incomplete", "branch_id", branchID, "deleted", deleted, "error", err)
		return e.fail(span, fmt.Sprintf("reset queue drain after %d tickets", deleted), err)
	}
	e.logger.Info("queue reset", "branch_id", branchID, "deleted", deleted)
	return nil
}

// drain deletes the tickets issued before the reset that opened epoch. The
// epoch is copied onto each ticket in the issuing transaction, so clock skew
// between writers cannot hide a pre-reset ticket.
func (e *Engine) drain(ctx context.Context, branchID string, epoch int64) (int, error) {
	q := docstore.Query{Collection: TicketsCollection(branchID)}.
		Where("epoch", docstore.OpLess, epoch).
		WithLimit(e.batchSize)
	deleted := 0
	for {
		docs, err := e.store.Query(ctx, q)
		if err != nil {
			return deleted, err
		}
		if len(docs) == 0 {
			return deleted, nil
		}
		refs := make([]docstore.Ref, 0, len(docs))
		for _, doc := range docs {
			refs = append(refs, doc.Ref)
		}
		if err := e.store.BatchDelete(ctx, refs); err != nil {
			return deleted, err
		}
		deleted += len(refs)
	}
}

// NowServing reads the serving ticket once.
func (e *Engine) NowServing(ctx context.Context, branchID string) (models.Ticket, bool, error) {
	branchID, err := validBranch(branchID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	meta, _, err := readMeta(ctx, e.store, branchID)
	if err != nil {
		return models.Ticket{}, false, e.wrap("now serving", err)
	}
	if meta.ServingTicketID == nil {
		return models.Ticket{}, false, nil
	}
	doc, err := e.store.Get(ctx, docstore.Ref{Collection: TicketsCollection(branchID), ID: *meta.ServingTicketID})
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, e.wrap("now serving", err)
	}
	ticket, err := DecodeTicket(branchID, doc)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (e *Engine) Meta(ctx context.Context, branchID string) (models.QueueMeta, error) {
	branchID, err := validBranch(branchID)
	if err != nil {
		return models.QueueMeta{}, err
	}
	meta, _, err := readMeta(ctx, e.store, branchID)
	if err != nil {
		return models.QueueMeta{}, e.wrap("queue meta", err)
	}
	return meta, nil
}

// Snapshot is a one-shot read of everything a display shows. The parts are
// read separately and are not mutually consistent.
func (e *Engine) Snapshot(ctx context.Context, branchID string) (models.QueueSnapshot, error) {
	meta, err := e.Meta(ctx, branchID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	snapshot := models.QueueSnapshot{Meta: meta}

	if serving, ok, err := e.NowServing(ctx, meta.BranchID); err != nil {
		return models.QueueSnapshot{}, err
	} else if ok {
		snapshot.NowServing = &serving
	}

	docs, err := e.store.Query(ctx, WaitingQuery(meta.BranchID))
	if err != nil {
		return models.QueueSnapshot{}, e.wrap("waiting tickets", err)
	}
	snapshot.WaitingCount = len(docs)
	if len(docs) > 0 {
		next, err := DecodeTicket(meta.BranchID, docs[0])
		if err != nil {
			return models.QueueSnapshot{}, err
		}
		snapshot.NextWaiting = &next
	}
	return snapshot, nil
}

func validBranch(branchID string) (string, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return "", fmt.Errorf("%w: branch id is required", ErrInvalidInput)
	}
	return branchID, nil
}

func (e *Engine) start(ctx context.Context, name, branchID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("branch_id", branchID)))
}

func (e *Engine) fail(span trace.Span, op string, err error) error {
	err = e.wrap(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return err
}

func (e *Engine) wrap(op string, err error) error {
	if docstore.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrQueueUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
