package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/queue"
	"qms/pharmacy-service/internal/report"
	"qms/pharmacy-service/internal/reservation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type QueueService interface {
	IssueTicket(ctx context.Context, branchID string) (models.IssuedTicket, error)
	AdvanceTicket(ctx context.Context, branchID string) (models.Ticket, bool, error)
	CompleteTicket(ctx context.Context, branchID string) (models.Ticket, bool, error)
	ResetQueue(ctx context.Context, branchID string) error
	Snapshot(ctx context.Context, branchID string) (models.QueueSnapshot, error)
}

type ReservationService interface {
	Create(ctx context.Context, actor models.Actor, input reservation.CreateInput) (reservation.Created, error)
	GetByToken(ctx context.Context, branchID, token string) (models.Reservation, bool, error)
	ClaimByToken(ctx context.Context, actor models.Actor, branchID, token string) (models.Reservation, error)
	Complete(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error)
	Archive(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error)
	Get(ctx context.Context, reservationID string) (models.Reservation, bool, error)
	Items(ctx context.Context, reservationID string) ([]models.ReservationItem, error)
	List(ctx context.Context, branchID string) ([]models.Reservation, error)
	Now() time.Time
}

type ReportService interface {
	BranchSummary(ctx context.Context, branchID string) (report.BranchSummary, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}

// TicketCache is the optional Redis shortcut for kiosk retries and the public
// queue snapshot.
type TicketCache interface {
	IssuedTicket(ctx context.Context, branchID, requestID string) (models.IssuedTicket, bool, error)
	RememberTicket(ctx context.Context, branchID, requestID string, ticket models.IssuedTicket) error
	Snapshot(ctx context.Context, branchID string) (models.QueueSnapshot, bool, error)
	StoreSnapshot(ctx context.Context, snapshot models.QueueSnapshot) error
	InvalidateSnapshot(ctx context.Context, branchID string) error
}

type Handler struct {
	queue        QueueService
	reservations ReservationService
	reports      ReportService
	sessions     SessionStore
	cache        TicketCache
	realtime     http.Handler
	limiter      *RateLimiter
	logger       *slog.Logger
}

type Options struct {
	Cache    TicketCache
	Realtime http.Handler
	Limiter  *RateLimiter
	Logger   *slog.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queue QueueService, reservations ReservationService, reports ReportService, sessions SessionStore, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:        queue,
		reservations: reservations,
		reports:      reports,
		sessions:     sessions,
		cache:        options.Cache,
		realtime:     options.Realtime,
		limiter:      options.Limiter,
		logger:       logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(LoggingMiddleware(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())
	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}

	r.Route("/api", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(AuthMiddleware(h.sessions))

		r.Post("/queues/{branchID}/tickets", h.handleIssueTicket)
		r.Get("/queues/{branchID}", h.handleQueueSnapshot)
		r.Get("/reservations/{reservationID}/qr.png", h.handleReservationQR)
		r.Post("/reservations", h.handleCreateReservation)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession)

			r.Post("/queues/{branchID}/actions/next", h.handleAdvance)
			r.Post("/queues/{branchID}/actions/done", h.handleComplete)
			r.Post("/queues/{branchID}/actions/reset", h.handleReset)

			r.Get("/reservations", h.handleListReservations)
			r.Post("/reservations/lookup", h.handleLookupReservation)
			r.Post("/reservations/claim", h.handleClaimReservation)
			r.Get("/reservations/{reservationID}", h.handleGetReservation)
			r.Get("/reservations/{reservationID}/items", h.handleReservationItems)
			r.Post("/reservations/{reservationID}/actions/complete", h.handleReservationAction(reservation.ActionComplete))
			r.Post("/reservations/{reservationID}/actions/archive", h.handleReservationAction(reservation.ActionArchive))

			r.Get("/reports/branches/{branchID}", h.handleBranchReport)
			r.Get("/reports/branches/{branchID}/reservations.csv", h.handleReservationsExport)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// decodeRequest decodes a JSON body. An empty body is accepted when
// allowEmpty is set and leaves target untouched.
func decodeRequest(w http.ResponseWriter, r *http.Request, target any, allowEmpty bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.logger.WarnContext(r.Context(), "store unavailable", "path", r.URL.Path, "error", err)
	case status >= http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput), errors.Is(err, reservation.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", validationMessage(err)
	case errors.Is(err, reservation.ErrNotFound):
		return http.StatusNotFound, "not_found", "reservation not found"
	case errors.Is(err, reservation.ErrExpired):
		return http.StatusGone, "reservation_expired", "reservation expired and was cancelled"
	case errors.Is(err, reservation.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "reservation status does not allow this action"
	case errors.Is(err, queue.ErrQueueUnavailable), errors.Is(err, reservation.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// validationMessage strips the sentinel prefix so clients see only the detail.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, "invalid input: "); i >= 0 {
		return msg[i+len("invalid input: "):]
	}
	return msg
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
