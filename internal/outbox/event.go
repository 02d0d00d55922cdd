// Package outbox records domain events inside engine transactions and relays
// them to a message transport after commit.
package outbox

import (
	"context"
	"time"

	"qms/pharmacy-service/internal/docstore"
)

const Collection = "outbox"

const (
	TicketIssued         = "ticket.issued"
	TicketServing        = "ticket.serving"
	TicketDone           = "ticket.done"
	QueueReset           = "queue.reset"
	ReservationCreated   = "reservation.created"
	ReservationClaimed   = "reservation.claimed"
	ReservationCancelled = "reservation.cancelled"
	ReservationUpdated   = "reservation.updated"
)

type Event struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	BranchID  string         `json:"branch_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type eventDoc struct {
	Type      string         `json:"type"`
	BranchID  string         `json:"branchId"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Record buffers an event write in tx so it commits with the state change it
// describes.
func Record(ctx context.Context, tx docstore.Tx, eventType, branchID string, payload map[string]any) error {
	return tx.Set(ctx, docstore.NewRef(Collection), map[string]any{
		"type":      eventType,
		"branchId":  branchID,
		"payload":   payload,
		"createdAt": docstore.ServerTimestamp,
	})
}

func decodeEvent(doc docstore.Document) (Event, error) {
	var d eventDoc
	if err := doc.DataTo(&d); err != nil {
		return Event{}, err
	}
	return Event{
		EventID:   doc.Ref.ID,
		Type:      d.Type,
		BranchID:  d.BranchID,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
	}, nil
}
