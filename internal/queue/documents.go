package queue

import (
	"context"
	"errors"
	"time"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
)

const QueuesCollection = "queues"

func QueueRef(branchID string) docstore.Ref {
	return docstore.Ref{Collection: QueuesCollection, ID: branchID}
}

func TicketsCollection(branchID string) string {
	return QueuesCollection + "/" + branchID + "/tickets"
}

type queueDoc struct {
	CurrentNumber   int64      `json:"currentNumber"`
	ServingTicketID *string    `json:"servingTicketId"`
	UpdatedAt       *time.Time `json:"updatedAt"`
	// Epoch counts resets. Tickets carry the epoch they were issued in.
	Epoch           int64      `json:"epoch"`
}

func readQueue(ctx context.Context, r reader, branchID string) (queueDoc, bool, error) {
	doc, err := r.Get(ctx, QueueRef(branchID))
	if errors.Is(err, docstore.ErrNotFound) {
		return queueDoc{}, false, nil
	}
	if err != nil {
		return queueDoc{}, false, err
	}
	var q queueDoc
	if err := doc.DataTo(&q); err != nil {
		return queueDoc{}, false, err
	}
	return q, true, nil
}

type ticketDoc struct {
	TicketNumber int64     `json:"ticketNumber"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DecodeMeta maps a queue document to QueueMeta. A missing document is an
// untouched queue.
func DecodeMeta(branchID string, doc docstore.Document, exists bool) (models.QueueMeta, error) {
	meta := models.QueueMeta{BranchID: branchID}
	if !exists {
		return meta, nil
	}
	var q queueDoc
	if err := doc.DataTo(&q); err != nil {
		return models.QueueMeta{}, err
	}
	meta.CurrentNumber = q.CurrentNumber
	if q.ServingTicketID != nil && *q.ServingTicketID != "" {
		meta.ServingTicketID = q.ServingTicketID
	}
	meta.UpdatedAt = q.UpdatedAt
	return meta, nil
}

func DecodeTicket(branchID string, doc docstore.Document) (models.Ticket, error) {
	var t ticketDoc
	if err := doc.DataTo(&t); err != nil {
		return models.Ticket{}, err
	}
	return models.Ticket{
		TicketID:     doc.Ref.ID,
		BranchID:     branchID,
		TicketNumber: t.TicketNumber,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
	}, nil
}

func WaitingQuery(branchID string) docstore.Query {
	return docstore.Query{Collection: TicketsCollection(branchID)}.
		Where("status", docstore.OpEqual, models.StatusWaiting).
		OrderBy("ticketNumber", false)
}

type reader interface {
	Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error)
}

func readMeta(ctx context.Context, r reader, branchID string) (models.QueueMeta, bool, error) {
	doc, err := r.Get(ctx, QueueRef(branchID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.QueueMeta{BranchID: branchID}, false, nil
	}
	if err != nil {
		return models.QueueMeta{}, false, err
	}
	meta, err := DecodeMeta(branchID, doc, true)
	return meta, true, err
}
