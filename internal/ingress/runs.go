package ingress

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/orchestrator"
)

// handleExecuteFlow triggers a flow manually and waits for the terminal
// state. Body: {input?, emulationMode?}, both optional.
func (s *Server) handleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input         model.Payload `json:"input"`
		EmulationMode bool          `json:"emulationMode"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	run, err := s.orch.Execute(r.Context(), orchestrator.Seed{
		FlowID:    mux.Vars(r)["id"],
		Source:    model.SourceManual,
		Payload:   req.Input,
		Emulation: req.EmulationMode,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runSummary(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.store.ListRunsByFlow(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// runSummary is the short execution response for synchronous triggers.
func runSummary(run *model.FlowRun) map[string]interface{} {
	out := map[string]interface{}{
		"executionId": run.ID,
		"status":      string(run.Status),
		"traceId":     run.TraceID,
	}
	if run.FinishedAt != nil {
		out["durationMs"] = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	if run.Output != nil {
		out["output"] = run.Output
	}
	if run.Error != nil {
		out["error"] = run.Error
	}
	return out
}
