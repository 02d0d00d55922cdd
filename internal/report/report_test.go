package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"qms/pharmacy-service/internal/docstore/memory"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/queue"
	"qms/pharmacy-service/internal/reservation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchSummary(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := start
	now := func() time.Time { return clock }

	store := memory.New(memory.Options{Now: now})
	defer store.Close()
	queues := queue.NewEngine(store, queue.Options{})
	reservations := reservation.NewEngine(store, reservation.Options{Now: now})

	for i := 0; i < 3; i++ {
		_, err := queues.IssueTicket(ctx, "br1")
		require.NoError(t, err)
	}
	_, _, err := queues.AdvanceTicket(ctx, "br1")
	require.NoError(t, err)

	create := func(hours int, qty int64, price float64) reservation.Created {
		created, err := reservations.Create(ctx, models.Actor{}, reservation.CreateInput{
			BranchID:     "br1",
			CustomerName: "Juan",
			ExpiresHours: hours,
			Items:        []reservation.ItemInput{{MedicineID: "m1", Qty: qty, Price: price}},
		})
		require.NoError(t, err)
		return created
	}
	create(1, 2, 10)
	create(48, 3, 5)
	claimed := create(48, 1, 100)
	_, err = reservations.ClaimByToken(ctx, models.Actor{UserID: "p1", Role: models.RolePharmacist}, "br1", claimed.QRToken)
	require.NoError(t, err)

	clock = start.Add(2 * time.Hour)
	summary, err := NewService(queues, reservations, now).BranchSummary(ctx, "br1")
	require.NoError(t, err)

	assert.Equal(t, "br1", summary.BranchID)
	assert.Equal(t, int64(3), summary.Queue.CurrentNumber)
	require.NotNil(t, summary.Queue.NowServing)
	assert.Equal(t, int64(1), *summary.Queue.NowServing)
	require.NotNil(t, summary.Queue.NextWaiting)
	assert.Equal(t, int64(2), *summary.Queue.NextWaiting)
	assert.Equal(t, 2, summary.Queue.WaitingCount)

	assert.Equal(t, 3, summary.Reservations.Total)
	assert.Equal(t, 2, summary.Reservations.ByStatus[models.ReservationReserved])
	assert.Equal(t, 1, summary.Reservations.ByStatus[models.ReservationClaimed])
	assert.Equal(t, 1, summary.Reservations.Expired)
	assert.Equal(t, int64(3), summary.Reservations.ReservedQty)
	assert.InDelta(t, 15.0, summary.Reservations.ReservedValue, 0.0001)
}

func TestWriteReservationsCSV(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	claimedAt := now.Add(-time.Minute)
	list := []models.Reservation{
		{ReservationID: "r1", BranchID: "br1", CustomerName: "Juan", Status: models.ReservationReserved, TotalQty: 2, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{ReservationID: "r2", BranchID: "br1", CustomerName: "Ana, M.", Status: models.ReservationClaimed, TotalQty: 1, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour), ClaimedAt: &claimedAt, ClaimedBy: "p1"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReservationsCSV(&buf, list, now))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "reservation_id", rows[0][0])
	assert.Equal(t, "true", rows[1][4])
	assert.Equal(t, "", rows[1][8])
	assert.Equal(t, "Ana, M.", rows[2][2])
	assert.Equal(t, "false", rows[2][4])
	assert.Equal(t, claimedAt.Format(time.RFC3339), rows[2][8])
}
