package api

import (
	"net/http"
	"strconv"

	"github.com/atmx/poolbet/internal/audit"
)

// ListPending handles GET /api/v1/admin/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.settler.ListPending(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	views := make([]MarketView, 0, len(pending))
	for i := range pending {
		views = append(views, h.view(&pending[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// ComputeCorrections handles GET /api/v1/admin/corrections
func (h *Handler) ComputeCorrections(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeError(w, "reconciliation is not enabled", http.StatusNotImplemented)
		return
	}
	report, err := h.auditor.ComputeCorrections(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ApplyCorrections handles POST /api/v1/admin/corrections/apply?force=
func (h *Handler) ApplyCorrections(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeError(w, "reconciliation is not enabled", http.StatusNotImplemented)
		return
	}
	var force bool
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "force must be a boolean", http.StatusBadRequest)
			return
		}
		force = b
	}

	report, err := h.auditor.ApplyCorrections(r.Context(), audit.ApplyOptions{Force: force})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Info("corrections applied via api", "actor", actorFrom(r.Context()), "applied", report.Applied, "forced", report.Forced)
	writeJSON(w, http.StatusOK, report)
}
