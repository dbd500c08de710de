package ingress

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"sigs.k8s.io/yaml"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/schedule"
	"github.com/trellisflow/trellis/internal/storage"
)

const maxFlowBody = 1 << 20

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"flows": flows,
		"count": len(flows),
	})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var flow model.Flow
	if err := decodeBody(r, &flow); err != nil {
		respondError(w, err)
		return
	}
	if err := s.saveFlow(r, &flow, true); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, flow)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.store.GetFlow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.store.GetFlow(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	var flow model.Flow
	if err := decodeBody(r, &flow); err != nil {
		respondError(w, err)
		return
	}
	flow.ID = id
	flow.CreatedAt = existing.CreatedAt
	flow.ActiveVersion = existing.ActiveVersion
	if err := s.saveFlow(r, &flow, false); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteFlow(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	if s.sched != nil {
		s.sched.Remove(id)
	}
	if s.pollers != nil {
		s.pollers.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportFlow accepts a flow definition as YAML or JSON (YAML parses
// both) and registers it as a new flow.
func (s *Server) handleImportFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFlowBody))
	if err != nil {
		respondError(w, fault.New(fault.KindValidation, "could not read body: %v", err))
		return
	}

	var flow model.Flow
	if err := yaml.Unmarshal(body, &flow); err != nil {
		respondError(w, fault.New(fault.KindValidation, "invalid flow definition: %v", err))
		return
	}
	if err := s.saveFlow(r, &flow, true); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, flow)
}

func (s *Server) handleExportFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.store.GetFlow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}

	name := flow.Slug
	if name == "" {
		name = flow.ID
	}

	if r.URL.Query().Get("format") == "yaml" {
		out, err := yaml.Marshal(flow)
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.yaml", name))
		_, _ = w.Write(out)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", name))
	respondJSON(w, http.StatusOK, flow)
}

// saveFlow validates, defaults and persists a flow, then re-arms its
// scheduler jobs and poller watchers.
func (s *Server) saveFlow(r *http.Request, flow *model.Flow, create bool) error {
	if create {
		if flow.ID == "" {
			flow.ID = uuid.NewString()
		} else if _, err := s.store.GetFlow(r.Context(), flow.ID); err == nil {
			return fmt.Errorf("flow %s: %w", flow.ID, storage.ErrConflict)
		}
		flow.CreatedAt = time.Now().UTC()
	}
	if flow.Slug == "" {
		flow.Slug = slugify(flow.Name)
	}
	flow.UpdatedAt = time.Now().UTC()

	if err := flow.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, err)
	}
	if err := schedule.ValidateFlow(flow); err != nil {
		return err
	}

	var err error
	if create {
		err = s.store.CreateFlow(r.Context(), flow)
	} else {
		err = s.store.UpdateFlow(r.Context(), flow)
	}
	if err != nil {
		return err
	}

	if s.sched != nil {
		s.sched.Sync(flow)
	}
	if s.pollers != nil {
		s.pollers.Sync(flow)
	}
	return nil
}

// slugify turns a display name into a URL-safe webhook slug.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
