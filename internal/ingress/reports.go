package ingress

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/model"
)

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	status := model.ReportStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	reports, err := s.reports.List(r.Context(), status, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

// handleReportStatus advances a triage report through its status machine.
// Invalid transitions come back as validation errors.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.ReportStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	report, err := s.reports.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
