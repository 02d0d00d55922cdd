package reservation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/docstore/memory"
	"qms/pharmacy-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var staff = models.Actor{UserID: "pharm-1", Role: models.RolePharmacist}

func newTestEngine(t *testing.T, options Options) (*Engine, *memory.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := memory.New(memory.Options{Now: clock.Now})
	t.Cleanup(func() { _ = st.Close() })
	options.Now = clock.Now
	return NewEngine(st, options), st, clock
}

func juanInput() CreateInput {
	return CreateInput{
		BranchID:     "br1",
		CustomerName: "  Juan ",
		Items: []ItemInput{
			{MedicineID: "m1", MedicineName: "Paracetamol", Qty: 2, Price: 10},
			{MedicineID: "m2", MedicineName: "Amoxicillin", Qty: 1, Price: 25},
		},
	}
}

func TestCreateReservation(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})

	created, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.TotalQty)
	assert.Len(t, created.QRToken, TokenLength)
	assert.True(t, ValidToken(created.QRToken))
	assert.Equal(t, clock.Now().Add(6*time.Hour), created.ExpiresAt)

	items, err := e.Items(ctx, created.ReservationID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 45.0, models.ItemsCost(items))
	for _, item := range items {
		assert.Equal(t, "br1", item.BranchID)
		assert.Equal(t, created.ReservationID, item.ReservationID)
	}

	r, found, err := e.Get(ctx, created.ReservationID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Juan", r.CustomerName)
	assert.Equal(t, models.ReservationReserved, r.Status)
	assert.Empty(t, r.CustomerUID)
	assert.Nil(t, r.ClaimedAt)
}

func TestCreateReservationStampsCustomer(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	created, err := e.Create(context.Background(), models.Actor{UserID: "cust-9", Role: models.RoleCustomer}, juanInput())
	require.NoError(t, err)

	r, _, err := e.Get(context.Background(), created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, "cust-9", r.CustomerUID)
}

func TestCreateReservationValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing branch", func(in *CreateInput) { in.BranchID = " " }},
		{"blank name", func(in *CreateInput) { in.CustomerName = "   " }},
		{"no items", func(in *CreateInput) { in.Items = nil }},
		{"missing medicine", func(in *CreateInput) { in.Items[0].MedicineID = "" }},
		{"zero qty", func(in *CreateInput) { in.Items[1].Qty = 0 }},
		{"negative hours", func(in *CreateInput) { in.ExpiresHours = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, st, _ := newTestEngine(t, Options{})
			input := juanInput()
			tc.mutate(&input)
			_, err := e.Create(context.Background(), models.Actor{}, input)
			require.ErrorIs(t, err, ErrInvalidInput)

			docs, err := st.Query(context.Background(), docstore.Query{Collection: ReservationsCollection})
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestGetByTokenIsBranchScoped(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	input := juanInput()
	input.BranchID = "brY"
	created, err := e.Create(ctx, models.Actor{}, input)
	require.NoError(t, err)

	_, found, err := e.GetByToken(ctx, "brX", created.QRToken)
	require.NoError(t, err)
	assert.False(t, found)

	r, found, err := e.GetByToken(ctx, "brY", "  "+strings.ToLower(created.QRToken)+" ")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, created.ReservationID, r.ReservationID)
}

func TestClaimByToken(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	created, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)

	claimed, err := e.ClaimByToken(ctx, staff, "br1", created.QRToken)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationClaimed, claimed.Status)
	assert.Equal(t, staff.UserID, claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedAt)

	_, err = e.ClaimByToken(ctx, staff, "br1", created.QRToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimByTokenConcurrentExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	created, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ClaimByToken(ctx, staff, "br1", created.QRToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, notFound int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotFound):
			notFound++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, notFound)
}

func TestExpiredReservationCancelledOnClaim(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	input := juanInput()
	input.ExpiresHours = 1
	created, err := e.Create(ctx, models.Actor{}, input)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	r, found, err := e.GetByToken(ctx, "br1", created.QRToken)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.ReservationReserved, r.Status)
	assert.True(t, models.IsExpired(r.Status, r.ExpiresAt, clock.Now()))

	_, err = e.ClaimByToken(ctx, staff, "br1", created.QRToken)
	require.ErrorIs(t, err, ErrExpired)

	r, _, err = e.Get(ctx, created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, r.Status)
	assert.Nil(t, r.ClaimedAt)

	_, err = e.ClaimByToken(ctx, staff, "br1", created.QRToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteAndArchiveLoose(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	created, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)

	completed, err := e.Complete(ctx, staff, created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCompleted, completed.Status)
	assert.Equal(t, staff.UserID, completed.CompletedBy)
	require.NotNil(t, completed.CompletedAt)

	archived, err := e.Archive(ctx, staff, created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationArchived, archived.Status)
	assert.Equal(t, staff.UserID, archived.ArchivedBy)
	require.NotNil(t, archived.UpdatedAt)
}

func TestStrictTransitionsRejectCompleteBeforeClaim(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{StrictTransitions: true})
	created, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)

	_, err = e.Complete(ctx, staff, created.ReservationID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.ClaimByToken(ctx, staff, "br1", created.QRToken)
	require.NoError(t, err)
	completed, err := e.Complete(ctx, staff, created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCompleted, completed.Status)
}

func TestUpdateStatusUnknownReservation(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	_, err := e.Archive(context.Background(), staff, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	first, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := e.Create(ctx, models.Actor{}, juanInput())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	other := juanInput()
	other.BranchID = "br2"
	_, err = e.Create(ctx, models.Actor{}, other)
	require.NoError(t, err)

	list, err := e.List(ctx, "br1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ReservationID, list[0].ReservationID)
	assert.Equal(t, first.ReservationID, list[1].ReservationID)

	all, err := e.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateUnavailable(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	st.ConflictNextCommits(docstore.DefaultMaxAttempts)
	_, err := e.Create(context.Background(), models.Actor{}, juanInput())
	assert.ErrorIs(t, err, ErrUnavailable)
}
