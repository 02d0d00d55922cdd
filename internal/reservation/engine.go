// Package reservation implements branch-scoped medicine reservations that a
// customer presents at the counter with a QR token. Expiry is lazy: status
// only changes to cancelled when a claim is attempted after expiresAt.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/outbox"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultExpiresHours = 6

type Options struct {
	DefaultExpiresHours int
	// StrictTransitions rejects status changes the transition table does not
	// allow. Off by default: complete and archive overwrite any status.
	StrictTransitions bool
	Now               func() time.Time
	NewToken          func() (string, error)
	Logger            *slog.Logger
}

type Engine struct {
	store        docstore.Store
	expiresHours int
	strict       bool
	now          func() time.Time
	newToken     func() (string, error)
	logger       *slog.Logger
	tracer       trace.Tracer
}

type ItemInput struct {
	MedicineID   string  `json:"medicine_id"`
	MedicineName string  `json:"medicine_name"`
	Qty          int64   `json:"qty"`
	Price        float64 `json:"price"`
}

type CreateInput struct {
	BranchID      string      `json:"branch_id"`
	CustomerName  string      `json:"customer_name"`
	CustomerPhone string      `json:"customer_phone"`
	Items         []ItemInput `json:"items"`
	ExpiresHours  int         `json:"expires_hours"`
}

type Created struct {
	ReservationID string    `json:"reservation_id"`
	BranchID      string    `json:"branch_id"`
	QRToken       string    `json:"qr_token"`
	TotalQty      int64     `json:"total_qty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func NewEngine(store docstore.Store, options Options) *Engine {
	hours := options.DefaultExpiresHours
	if hours <= 0 {
		hours = DefaultExpiresHours
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newToken := options.NewToken
	if newToken == nil {
		newToken = NewToken
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		expiresHours: hours,
		strict:       options.StrictTransitions,
		now:          now,
		newToken:     newToken,
		logger:       logger,
		tracer:       otel.Tracer("qms/pharmacy-service/reservation"),
	}
}

// Create stores a reservation and its item snapshots in one transaction. It
// holds no stock.
func (e *Engine) Create(ctx context.Context, actor models.Actor, input CreateInput) (Created, error) {
	input, err := e.validateCreate(input)
	if err != nil {
		return Created{}, err
	}
	ctx, span := e.tracer.Start(ctx, "reservation.Create", trace.WithAttributes(attribute.String("branch_id", input.BranchID)))
	defer span.End()

	token, err := e.newToken()
	if err != nil {
		return Created{}, e.fail(span, "generate token", err)
	}
	var totalQty int64
	for _, item := range input.Items {
		totalQty += item.Qty
	}
	expiresAt := e.now().UTC().Add(time.Duration(input.ExpiresHours) * time.Hour)
	customerUID := ""
	if actor.Role == models.RoleCustomer {
		customerUID = actor.UserID
	}

	ref := docstore.NewRef(ReservationsCollection)
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Set(ctx, ref, map[string]any{
			"branchId":      input.BranchID,
			"customerName":  input.CustomerName,
			"customerPhone": input.CustomerPhone,
			"customerUid":   nullable(customerUID),
			"status":        models.ReservationReserved,
			"qrToken":       token,
			"totalQty":      totalQty,
			"createdAt":     docstore.ServerTimestamp,
			"expiresAt":     expiresAt,
			"claimedAt":     nil,
			"claimedBy":     nil,
			"completedAt":   nil,
			"completedBy":   nil,
			"archivedAt":    nil,
			"archivedBy":    nil,
		}); err != nil {
			return err
		}
		for _, item := range input.Items {
			if err := tx.Set(ctx, docstore.NewRef(ItemsCollection), map[string]any{
				"reservationId": ref.ID,
				"branchId":      input.BranchID,
				"medicineId":    item.MedicineID,
				"medicineName":  item.MedicineName,
				"qty":           item.Qty,
				"price":         item.Price,
				"createdAt":     docstore.ServerTimestamp,
			}); err != nil {
				return err
			}
		}
		return outbox.Record(ctx, tx, outbox.ReservationCreated, input.BranchID, map[string]any{
			"reservation_id": ref.ID,
			"total_qty":      totalQty,
			"items":          len(input.Items),
		})
	})
	if err != nil {
		return Created{}, e.fail(span, "create reservation", err)
	}
	return Created{
		ReservationID: ref.ID,
		BranchID:      input.BranchID,
		QRToken:       token,
		TotalQty:      totalQty,
		ExpiresAt:     expiresAt,
	}, nil
}

func (e *Engine) validateCreate(input CreateInput) (CreateInput, error) {
	input.BranchID = strings.TrimSpace(input.BranchID)
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	input.CustomerPhone = strings.TrimSpace(input.CustomerPhone)
	if input.BranchID == "" {
		return input, fmt.Errorf("%w: branch id is required", ErrInvalidInput)
	}
	if input.CustomerName == "" {
		return input, fmt.Errorf("%w: customer name is required", ErrInvalidInput)
	}
	if len(input.Items) == 0 {
		return input, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}
	if input.ExpiresHours < 0 {
		return input, fmt.Errorf("%w: expires hours must not be negative", ErrInvalidInput)
	}
	if input.ExpiresHours == 0 {
		input.ExpiresHours = e.expiresHours
	}
	items := make([]ItemInput, 0, len(input.Items))
	for i, item := range input.Items {
		item.MedicineID = strings.TrimSpace(item.MedicineID)
		item.MedicineName = strings.TrimSpace(item.MedicineName)
		if item.MedicineID == "" {
			return input, fmt.Errorf("%w: item %d: medicine id is required", ErrInvalidInput, i)
		}
		if item.Qty <= 0 {
			return input, fmt.Errorf("%w: item %d: qty must be positive", ErrInvalidInput, i)
		}
		if item.Price < 0 {
			return input, fmt.Errorf("%w: item %d: price must not be negative", ErrInvalidInput, i)
		}
		items = append(items, item)
	}
	input.Items = items
	return input, nil
}

// GetByToken looks a reservation up within one branch. It does not check
// expiry; a token from another branch is not found.
func (e *Engine) GetByToken(ctx context.Context, branchID, token string) (models.Reservation, bool, error) {
	branchID, token, err := validLookup(branchID, token)
	if err != nil {
		return models.Reservation{}, false, err
	}
	docs, err := e.store.Query(ctx, tokenQuery(branchID, token))
	if err != nil {
		return models.Reservation{}, false, e.wrap("lookup reservation", err)
	}
	if len(docs) == 0 {
		return models.Reservation{}, false, nil
	}
	r, err := DecodeReservation(docs[0])
	if err != nil {
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

// ClaimByToken claims a reserved, unexpired reservation exactly once. An
// expired one is cancelled, the cancellation is committed, and ErrExpired is
// returned. Anything not in reserved status is ErrNotFound.
func (e *Engine) ClaimByToken(ctx context.Context, actor models.Actor, branchID, token string) (models.Reservation, error) {
	branchID, token, err := validLookup(branchID, token)
	if err != nil {
		return models.Reservation{}, err
	}
	ctx, span := e.tracer.Start(ctx, "reservation.ClaimByToken", trace.WithAttributes(attribute.String("branch_id", branchID)))
	defer span.End()

	var (
		id      string
		expired bool
	)
	err = e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		id, expired = "", false
		docs, err := tx.Query(ctx, tokenQuery(branchID, token).Where("status", docstore.OpEqual, models.ReservationReserved))
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return ErrNotFound
		}
		current, err := DecodeReservation(docs[0])
		if err != nil {
			return err
		}
		id = current.ReservationID

		if models.IsExpired(current.Status, current.ExpiresAt, e.now()) {
			expired = true
			if err := tx.Update(ctx, docs[0].Ref, map[string]any{
				"status":    models.ReservationCancelled,
				"updatedAt": docstore.ServerTimestamp,
			}); err != nil {
				return err
			}
			return outbox.Record(ctx, tx, outbox.ReservationCancelled, branchID, map[string]any{
				"reservation_id": id,
				"reason":         "expired",
			})
		}

		if err := tx.Update(ctx, docs[0].Ref, map[string]any{
			"status":    models.ReservationClaimed,
			"claimedAt": docstore.ServerTimestamp,
			"claimedBy": nullable(actor.UserID),
			"updatedAt": docstore.ServerTimestamp,
		}); err != nil {
			return err
		}
		return outbox.Record(ctx, tx, outbox.ReservationClaimed, branchID, map[string]any{
			"reservation_id": id,
			"claimed_by":     actor.UserID,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Reservation{}, err
		}
		return models.Reservation{}, e.fail(span, "claim reservation", err)
	}
	if expired {
		e.logger.Info("reservation expired on claim", "reservation_id", id, "branch_id", branchID)
		return models.Reservation{}, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	claimed, found, err := e.Get(ctx, id)
	if err != nil {
		return models.Reservation{}, err
	}
	if !found {
		return models.Reservation{}, ErrNotFound
	}
	return claimed, nil
}

func (e *Engine) Complete(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error) {
	return e.updateStatus(ctx, actor, reservationID, ActionComplete)
}

func (e *Engine) Archive(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error) {
	return e.updateStatus(ctx, actor, reservationID, ActionArchive)
}

// updateStatus writes the action's target status with its audit stamps.
// Without StrictTransitions the current status is not checked.
func (e *Engine) updateStatus(ctx context.Context, actor models.Actor, reservationID, action string) (models.Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return models.Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInvalidInput)
	}
	status, ok := actionStatus[action]
	if !ok {
		return models.Reservation{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	ctx, span := e.tracer.Start(ctx, "reservation."+action, trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	defer span.End()

	ref := ReservationRef(reservationID)
	var branchID string
	err := e.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, ref)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := DecodeReservation(doc)
		if err != nil {
			return err
		}
		branchID = current.BranchID
		if e.strict && !ValidTransition(action, current.Status) {
			return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, current.Status)
		}

		fields := map[string]any{
			"status":    status,
			"updatedAt": docstore.ServerTimestamp,
		}
		switch status {
		case models.ReservationCompleted:
			fields["completedAt"] = docstore.ServerTimestamp
			fields["completedBy"] = nullable(actor.UserID)
		case models.ReservationArchived:
			fields["archivedAt"] = docstore.ServerTimestamp
			fields["archivedBy"] = nullable(actor.UserID)
		}
		if err := tx.Update(ctx, ref, fields); err != nil {
			return err
		}
		return outbox.Record(ctx, tx, outbox.ReservationUpdated, current.BranchID, map[string]any{
			"reservation_id": reservationID,
			"from_status":    current.Status,
			"status":         status,
			"by":             actor.UserID,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return models.Reservation{}, err
		}
		return models.Reservation{}, e.fail(span, action+" reservation", err)
	}
	span.SetAttributes(attribute.String("branch_id", branchID))

	updated, found, err := e.Get(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, err
	}
	if !found {
		return models.Reservation{}, ErrNotFound
	}
	return updated, nil
}

func (e *Engine) Get(ctx context.Context, reservationID string) (models.Reservation, bool, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return models.Reservation{}, false, fmt.Errorf("%w: reservation id is required", ErrInvalidInput)
	}
	doc, err := e.store.Get(ctx, ReservationRef(reservationID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Reservation{}, false, nil
	}
	if err != nil {
		return models.Reservation{}, false, e.wrap("get reservation", err)
	}
	r, err := DecodeReservation(doc)
	if err != nil {
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

// Items returns the item snapshots of a reservation. An unknown id yields an
// empty list.
func (e *Engine) Items(ctx context.Context, reservationID string) ([]models.ReservationItem, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation id is required", ErrInvalidInput)
	}
	docs, err := e.store.Query(ctx, docstore.Query{Collection: ItemsCollection}.
		Where("reservationId", docstore.OpEqual, reservationID))
	if err != nil {
		return nil, e.wrap("reservation items", err)
	}
	items := make([]models.ReservationItem, 0, len(docs))
	for _, doc := range docs {
		item, err := decodeItem(doc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// List reads reservations newest first. An empty branchID lists every branch.
func (e *Engine) List(ctx context.Context, branchID string) ([]models.Reservation, error) {
	docs, err := e.store.Query(ctx, ListQuery(strings.TrimSpace(branchID)))
	if err != nil {
		return nil, e.wrap("list reservations", err)
	}
	out := make([]models.Reservation, 0, len(docs))
	for _, doc := range docs {
		r, err := DecodeReservation(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func validLookup(branchID, token string) (string, string, error) {
	branchID = strings.TrimSpace(branchID)
	token = NormalizeToken(token)
	if branchID == "" || token == "" {
		return "", "", fmt.Errorf("%w: branch id and token are required", ErrInvalidInput)
	}
	return branchID, token, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (e *Engine) fail(span trace.Span, op string, err error) error {
	err = e.wrap(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return err
}

func (e *Engine) wrap(op string, err error) error {
	if docstore.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
