package httpapi

import (
	"bytes"
	"fmt"
	"net/http"

	"qms/pharmacy-service/internal/report"
)

func (h *Handler) handleBranchReport(w http.ResponseWriter, r *http.Request) {
	branchID := branchParam(r)
	if !requireStaff(w, r) || !requireBranchAccess(w, r, branchID) {
		return
	}
	summary, err := h.reports.BranchSummary(r.Context(), branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReservationsExport(w http.ResponseWriter, r *http.Request) {
	branchID := branchParam(r)
	if !requireStaff(w, r) || !requireBranchAccess(w, r, branchID) {
		return
	}
	list, err := h.reservations.List(r.Context(), branchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteReservationsCSV(&buf, list, h.reservations.Now()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reservations-%s.csv", branchID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
