// Package report builds per-branch operational summaries from the queue and
// reservation engines.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"qms/pharmacy-service/internal/models"
)

type QueueReader interface {
	Snapshot(ctx context.Context, branchID string) (models.QueueSnapshot, error)
}

type ReservationReader interface {
	List(ctx context.Context, branchID string) ([]models.Reservation, error)
	Items(ctx context.Context, reservationID string) ([]models.ReservationItem, error)
}

type QueueSummary struct {
	CurrentNumber int64  `json:"current_number"`
	NowServing    *int64 `json:"now_serving"`
	NextWaiting   *int64 `json:"next_waiting"`
	WaitingCount  int    `json:"waiting_count"`
}

type ReservationSummary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	// Expired counts reservations still stored as reserved whose expiry has
	// passed. They are also counted under by_status.reserved.
	Expired       int     `json:"expired"`
	ReservedQty   int64   `json:"reserved_qty"`
	ReservedValue float64 `json:"reserved_value"`
}

type BranchSummary struct {
	BranchID     string             `json:"branch_id"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Queue        QueueSummary       `json:"queue"`
	Reservations ReservationSummary `json:"reservations"`
}

type Service struct {
	queue        QueueReader
	reservations ReservationReader
	now          func() time.Time
}

func NewService(queue QueueReader, reservations ReservationReader, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{queue: queue, reservations: reservations, now: now}
}

// BranchSummary reports reserved quantity and value over live reservations
// only: reserved and not yet expired.
func (s *Service) BranchSummary(ctx context.Context, branchID string) (BranchSummary, error) {
	branchID = strings.TrimSpace(branchID)
	now := s.now()
	snapshot, err := s.queue.Snapshot(ctx, branchID)
	if err != nil {
		return BranchSummary{}, err
	}
	list, err := s.reservations.List(ctx, branchID)
	if err != nil {
		return BranchSummary{}, err
	}

	summary := BranchSummary{
		BranchID:    branchID,
		GeneratedAt: now.UTC(),
		Queue: QueueSummary{
			CurrentNumber: snapshot.Meta.CurrentNumber,
			NowServing:    ticketNumber(snapshot.NowServing),
			NextWaiting:   ticketNumber(snapshot.NextWaiting),
			WaitingCount:  snapshot.WaitingCount,
		},
		Reservations: ReservationSummary{Total: len(list), ByStatus: map[string]int{}},
	}
	for _, r := range list {
		summary.Reservations.ByStatus[r.Status]++
		if models.IsExpired(r.Status, r.ExpiresAt, now) {
			summary.Reservations.Expired++
			continue
		}
		if r.Status != models.ReservationReserved {
			continue
		}
		items, err := s.reservations.Items(ctx, r.ReservationID)
		if err != nil {
			return BranchSummary{}, fmt.Errorf("items for %s: %w", r.ReservationID, err)
		}
		summary.Reservations.ReservedQty += r.TotalQty
		summary.Reservations.ReservedValue += models.ItemsCost(items)
	}
	return summary, nil
}

// WriteReservationsCSV exports a branch reservation list with the expiry flag
// evaluated at now.
func WriteReservationsCSV(w io.Writer, list []models.Reservation, now time.Time) error {
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"reservation_id", "branch_id", "customer_name", "status", "expired", "total_qty", "created_at", "expires_at", "claimed_at", "claimed_by"})
	for _, r := range list {
		_ = writer.Write([]string{
			r.ReservationID,
			r.BranchID,
			r.CustomerName,
			r.Status,
			strconv.FormatBool(models.IsExpired(r.Status, r.ExpiresAt, now)),
			strconv.FormatInt(r.TotalQty, 10),
			formatTime(&r.CreatedAt),
			formatTime(&r.ExpiresAt),
			formatTime(r.ClaimedAt),
			r.ClaimedBy,
		})
	}
	writer.Flush()
	return writer.Error()
}

func ticketNumber(t *models.Ticket) *int64 {
	if t == nil {
		return nil
	}
	n := t.TicketNumber
	return &n
}

func formatTime(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
