package ingress

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/version"
)

// handlePushVersion snapshots the flow's current definition as a new draft
// version. Body: {changeType, changeDescription?, environment?, createdBy?}.
func (s *Server) handlePushVersion(w http.ResponseWriter, r *http.Request) {
	var req version.PushRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	v, err := s.versions.Push(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.versions.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"versions": list,
		"count":    len(list),
	})
}

func (s *Server) handleApproveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// handleDeployVersion activates an approved version: the flow's live
// definition swaps and scheduler/poller registrations re-arm.
func (s *Server) handleDeployVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Deploy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleRollbackFlow(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}
