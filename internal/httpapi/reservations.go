package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/reservation"

	"github.com/go-chi/chi/v5"
)

type createReservationResponse struct {
	reservation.Created
	QRPayload string `json:"qr_payload"`
}

type codeRequest struct {
	BranchID string `json:"branch_id"`
	Code     string `json:"code"`
}

type reservationDetail struct {
	Reservation models.Reservation       `json:"reservation"`
	Items       []models.ReservationItem `json:"items"`
	Cost        float64                  `json:"cost"`
	Expired     bool                     `json:"expired"`
}

type reservationListResponse struct {
	Reservations []models.Reservation `json:"reservations"`
}

func reservationParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "reservationID"))
}

func (h *Handler) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reservation.CreateInput
	if !decodeRequest(w, r, &req, false) {
		return
	}
	created, err := h.reservations.Create(r.Context(), actorFromRequest(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	payload, err := reservation.NewPayload(created.BranchID, created.ReservationID, created.QRToken).Encode()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createReservationResponse{Created: created, QRPayload: string(payload)})
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		if !requireAllBranches(w, r) {
			return
		}
	} else if !requireBranchAccess(w, r, branchID) {
		return
	}
	list, err := h.reservations.List(r.Context(), branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationListResponse{Reservations: list})
}

// decodeCode reads {branch_id, code} and resolves the code to a token. A QR
// payload naming another branch is treated as not found.
func (h *Handler) decodeCode(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var req codeRequest
	if !decodeRequest(w, r, &req, false) {
		return "", "", false
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if !requireStaff(w, r) || !requireBranchAccess(w, r, req.BranchID) {
		return "", "", false
	}
	payload, err := reservation.ParseCode(req.Code)
	if err != nil {
		h.fail(w, r, err)
		return "", "", false
	}
	if payload.BranchID != "" && payload.BranchID != req.BranchID {
		h.fail(w, r, reservation.ErrNotFound)
		return "", "", false
	}
	return req.BranchID, payload.Token, true
}

func (h *Handler) handleLookupReservation(w http.ResponseWriter, r *http.Request) {
	branchID, token, ok := h.decodeCode(w, r)
	if !ok {
		return
	}
	found, exists, err := h.reservations.GetByToken(r.Context(), branchID, token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !exists {
		h.fail(w, r, reservation.ErrNotFound)
		return
	}
	h.writeDetail(w, r, found)
}

func (h *Handler) handleClaimReservation(w http.ResponseWriter, r *http.Request) {
	branchID, token, ok := h.decodeCode(w, r)
	if !ok {
		return
	}
	claimed, err := h.reservations.ClaimByToken(r.Context(), actorFromRequest(r), branchID, token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "reservation claimed", "branch_id", branchID, "reservation_id", claimed.ReservationID, "by", claimed.ClaimedBy)
	writeJSON(w, http.StatusOK, claimed)
}

// loadForStaff fetches a reservation and checks the caller may see its branch.
func (h *Handler) loadForStaff(w http.ResponseWriter, r *http.Request) (models.Reservation, bool) {
	if !requireStaff(w, r) {
		return models.Reservation{}, false
	}
	found, ok, err := h.reservations.Get(r.Context(), reservationParam(r))
	if err != nil {
		h.fail(w, r, err)
		return models.Reservation{}, false
	}
	if !ok {
		h.fail(w, r, reservation.ErrNotFound)
		return models.Reservation{}, false
	}
	s, _ := sessionFromContext(r.Context())
	if !branchAllowed(s, found.BranchID) {
		// Reservations of other branches are indistinguishable from missing ones.
		h.fail(w, r, reservation.ErrNotFound)
		return models.Reservation{}, false
	}
	return found, true
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	found, ok := h.loadForStaff(w, r)
	if !ok {
		return
	}
	h.writeDetail(w, r, found)
}

func (h *Handler) handleReservationItems(w http.ResponseWriter, r *http.Request) {
	found, ok := h.loadForStaff(w, r)
	if !ok {
		return
	}
	items, err := h.reservations.Items(r.Context(), found.ReservationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation_id": found.ReservationID, "items": items})
}

func (h *Handler) handleReservationAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, ok := h.loadForStaff(w, r)
		if !ok {
			return
		}
		actor := actorFromRequest(r)
		var (
			updated models.Reservation
			err     error
		)
		switch action {
		case reservation.ActionComplete:
			updated, err = h.reservations.Complete(r.Context(), actor, found.ReservationID)
		case reservation.ActionArchive:
			updated, err = h.reservations.Archive(r.Context(), actor, found.ReservationID)
		default:
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unknown action")
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// handleReservationQR serves the QR image to whoever holds the token, so the
// customer view needs no session.
func (h *Handler) handleReservationQR(w http.ResponseWriter, r *http.Request) {
	token := reservation.NormalizeToken(r.URL.Query().Get("token"))
	if !reservation.ValidToken(token) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	found, ok, err := h.reservations.Get(r.Context(), reservationParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok || subtle.ConstantTimeCompare([]byte(found.QRToken), []byte(token)) != 1 {
		h.fail(w, r, reservation.ErrNotFound)
		return
	}
	png, err := reservation.NewPayload(found.BranchID, found.ReservationID, found.QRToken).PNG(256)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) writeDetail(w http.ResponseWriter, r *http.Request, found models.Reservation) {
	items, err := h.reservations.Items(r.Context(), found.ReservationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationDetail{
		Reservation: found,
		Items:       items,
		Cost:        models.ItemsCost(items),
		Expired:     models.IsExpired(found.Status, found.ExpiresAt, h.reservations.Now()),
	})
}
