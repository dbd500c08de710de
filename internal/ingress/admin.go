package ingress

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// --- auth adapters ---

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	adapters, err := s.store.ListAdapters(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": adapters,
		"count":    len(adapters),
	})
}

func (s *Server) handleCreateAdapter(w http.ResponseWriter, r *http.Request) {
	var adapter model.AuthAdapter
	if err := decodeBody(r, &adapter); err != nil {
		respondError(w, err)
		return
	}
	if adapter.Kind == "" {
		respondError(w, fault.New(fault.KindValidation, "adapter kind is required"))
		return
	}
	if adapter.ID == "" {
		adapter.ID = uuid.NewString()
	}
	adapter.CreatedAt = time.Now().UTC()
	adapter.UpdatedAt = adapter.CreatedAt

	if err := s.store.CreateAdapter(r.Context(), &adapter); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, adapter)
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.store.GetAdapter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, adapter)
}

// handleUpdateAdapter rewrites an adapter and drops its cached tokens so
// the next outbound call reacquires credentials under the new config.
func (s *Server) handleUpdateAdapter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.store.GetAdapter(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	var adapter model.AuthAdapter
	if err := decodeBody(r, &adapter); err != nil {
		respondError(w, err)
		return
	}
	adapter.ID = id
	adapter.CreatedAt = existing.CreatedAt
	adapter.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateAdapter(r.Context(), &adapter); err != nil {
		respondError(w, err)
		return
	}
	if s.tokens != nil {
		if err := s.tokens.Invalidate(r.Context(), id); err != nil {
			s.log.Warn().Err(err).Str("adapter_id", id).Msg("could not evict token cache")
		}
	}
	respondJSON(w, http.StatusOK, adapter)
}

func (s *Server) handleDeleteAdapter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteAdapter(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	if s.tokens != nil {
		if err := s.tokens.Invalidate(r.Context(), id); err != nil {
			s.log.Warn().Err(err).Str("adapter_id", id).Msg("could not evict token cache")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- inbound auth policies ---

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy model.InboundAuthPolicy
	if err := decodeBody(r, &policy); err != nil {
		respondError(w, err)
		return
	}
	if err := validatePolicy(&policy); err != nil {
		respondError(w, err)
		return
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policy.CreatedAt = time.Now().UTC()
	policy.UpdatedAt = policy.CreatedAt

	if err := s.store.CreatePolicy(r.Context(), &policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy model.InboundAuthPolicy
	if err := decodeBody(r, &policy); err != nil {
		respondError(w, err)
		return
	}
	policy.ID = mux.Vars(r)["id"]
	if err := validatePolicy(&policy); err != nil {
		respondError(w, err)
		return
	}
	policy.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdatePolicy(r.Context(), &policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validatePolicy(p *model.InboundAuthPolicy) error {
	if p.RoutePattern == "" {
		return fault.New(fault.KindValidation, "routePattern is required")
	}
	switch p.Enforcement {
	case model.EnforceBypass, model.EnforceOptional, model.EnforceRequired:
	default:
		return fault.New(fault.KindValidation, "enforcement must be bypass, optional or required")
	}
	if p.Enforcement != model.EnforceBypass && len(p.AdapterIDs) == 0 {
		return fault.New(fault.KindValidation, "enforcement %q needs at least one adapter", p.Enforcement)
	}
	return nil
}

// --- queue backend switch ---

func (s *Server) handleGetQueueConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.queueConfig(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// handlePutQueueConfig persists the backend switch. The new backend takes
// effect at the next engine start; Previous keeps the rollback target.
func (s *Server) handlePutQueueConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backend model.QueueBackend `json:"backend"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !req.Backend.Valid() {
		respondError(w, fault.New(fault.KindValidation, "unknown queue backend %q", req.Backend))
		return
	}

	cfg, err := s.queueConfig(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if cfg.Current != req.Backend {
		cfg.Previous = cfg.Current
		cfg.Current = req.Backend
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveQueueConfig(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// queueConfig loads the switch row, synthesizing the in-memory default when
// no row has been written yet.
func (s *Server) queueConfig(r *http.Request) (*model.QueueConfig, error) {
	cfg, err := s.store.GetQueueConfig(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		return &model.QueueConfig{Current: model.QueueInMemory}, nil
	}
	return cfg, err
}
