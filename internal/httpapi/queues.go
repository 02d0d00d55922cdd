package httpapi

import (
	"context"
	"net/http"
	"strings"

	"qms/pharmacy-service/internal/models"

	"github.com/go-chi/chi/v5"
)

type issueTicketRequest struct {
	RequestID string `json:"request_id"`
}

type issueTicketResponse struct {
	models.IssuedTicket
	Idempotent bool `json:"idempotent"`
}

type queueActionResponse struct {
	Found  bool           `json:"found"`
	Ticket *models.Ticket `json:"ticket"`
}

type resetQueueRequest struct {
	Confirm bool `json:"confirm"`
}

func branchParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "branchID"))
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	branchID := branchParam(r)
	ctx := r.Context()

	if req.RequestID != "" && h.cache != nil {
		cached, found, err := h.cache.IssuedTicket(ctx, branchID, req.RequestID)
		if err != nil {
			h.logger.WarnContext(ctx, "idempotency lookup failed", "branch_id", branchID, "error", err)
		} else if found {
			writeJSON(w, http.StatusOK, issueTicketResponse{IssuedTicket: cached, Idempotent: true})
			return
		}
	}

	ticket, err := h.queue.IssueTicket(ctx, branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.RequestID != "" && h.cache != nil {
		if err := h.cache.RememberTicket(ctx, branchID, req.RequestID, ticket); err != nil {
			h.logger.WarnContext(ctx, "idempotency store failed", "branch_id", branchID, "error", err)
		}
	}
	h.invalidateSnapshot(ctx, branchID)
	writeJSON(w, http.StatusCreated, issueTicketResponse{IssuedTicket: ticket})
}

func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	branchID := branchParam(r)
	ctx := r.Context()
	if h.cache != nil && branchID != "" {
		cached, found, err := h.cache.Snapshot(ctx, branchID)
		if err == nil && found {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	snapshot, err := h.queue.Snapshot(ctx, branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.StoreSnapshot(ctx, snapshot); err != nil {
			h.logger.DebugContext(ctx, "snapshot cache store failed", "branch_id", branchID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, h.queue.AdvanceTicket)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, h.queue.CompleteTicket)
}

func (h *Handler) queueAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) (models.Ticket, bool, error)) {
	branchID := branchParam(r)
	if !requireStaff(w, r) || !requireBranchAccess(w, r, branchID) {
		return
	}
	ticket, found, err := action(r.Context(), branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateSnapshot(r.Context(), branchID)
	resp := queueActionResponse{Found: found}
	if found {
		resp.Ticket = &ticket
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	branchID := branchParam(r)
	if !requireRole(w, r, models.RoleAdmin) || !requireBranchAccess(w, r, branchID) {
		return
	}
	var req resetQueueRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if !req.Confirm {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "confirm must be true to reset the queue")
		return
	}
	if err := h.queue.ResetQueue(r.Context(), branchID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateSnapshot(r.Context(), branchID)
	h.logger.InfoContext(r.Context(), "queue reset", "branch_id", branchID, "by", actorFromRequest(r).UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "branch_id": branchID})
}

func (h *Handler) invalidateSnapshot(ctx context.Context, branchID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateSnapshot(ctx, branchID); err != nil {
		h.logger.WarnContext(ctx, "snapshot invalidation failed", "branch_id", branchID, "error", err)
	}
}
