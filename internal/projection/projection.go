// Package projection turns docstore subscriptions into typed live views of a
// branch queue and of reservations. Every view calls back with its current
// value on subscribe and again on each change, and returns an idempotent
// teardown.
package projection

import (
	"log/slog"
	"strings"
	"sync"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/queue"
	"qms/pharmacy-service/internal/reservation"
)

type Layer struct {
	store  docstore.Store
	logger *slog.Logger
}

func New(store docstore.Store, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{store: store, logger: logger}
}

func noop() {}

func (l *Layer) errorHandler(view string, onError func(error)) func(error) {
	return func(err error) {
		l.logger.Warn("projection error", "view", view, "error", err)
		if onError != nil {
			onError(err)
		}
	}
}

func (l *Layer) QueueMeta(branchID string, onChange func(models.QueueMeta), onError func(error)) func() {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return noop
	}
	handleErr := l.errorHandler("queue.meta", onError)
	return once(l.store.SubscribeDoc(queue.QueueRef(branchID), func(doc docstore.Document, exists bool) {
		meta, err := queue.DecodeMeta(branchID, doc, exists)
		if err != nil {
			handleErr(err)
			return
		}
		onChange(meta)
	}, handleErr))
}

func (l *Layer) NextWaiting(branchID string, onChange func(*models.Ticket), onError func(error)) func() {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return noop
	}
	handleErr := l.errorHandler("queue.next_waiting", onError)
	return once(l.store.SubscribeQuery(queue.WaitingQuery(branchID).WithLimit(1), func(docs []docstore.Document) {
		if len(docs) == 0 {
			onChange(nil)
			return
		}
		ticket, err := queue.DecodeTicket(branchID, docs[0])
		if err != nil {
			handleErr(err)
			return
		}
		onChange(&ticket)
	}, handleErr))
}

func (l *Layer) WaitingCount(branchID string, onChange func(int), onError func(error)) func() {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return noop
	}
	return once(l.store.SubscribeQuery(queue.WaitingQuery(branchID), func(docs []docstore.Document) {
		onChange(len(docs))
	}, l.errorHandler("queue.waiting_count", onError)))
}

// Reservations lists reservations newest first; an empty branchID covers all
// branches. On a subscription error the view reports an empty list before
// calling onError.
func (l *Layer) Reservations(branchID string, onChange func([]models.Reservation), onError func(error)) func() {
	branchID = strings.TrimSpace(branchID)
	handleErr := l.errorHandler("reservations", onError)
	failEmpty := func(err error) {
		onChange([]models.Reservation{})
		handleErr(err)
	}
	return once(l.store.SubscribeQuery(reservation.ListQuery(branchID), func(docs []docstore.Document) {
		out := make([]models.Reservation, 0, len(docs))
		for _, doc := range docs {
			r, err := reservation.DecodeReservation(doc)
			if err != nil {
				failEmpty(err)
				return
			}
			out = append(out, r)
		}
		onChange(out)
	}, failEmpty))
}

func once(stop func()) func() {
	var o sync.Once
	return func() { o.Do(stop) }
}
