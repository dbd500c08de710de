package ingress

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/model"
)

func (s *Server) handleVaultInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	recovery, err := s.vault.Initialize(r.Context(), req.Seed)
	if err != nil {
		respondError(w, err)
		return
	}

	s.emitVaultState(r.Context())
	// The recovery code appears exactly once, here. Initialization leaves
	// the vault locked; unlocking is a separate call with the same seed.
	respondJSON(w, http.StatusCreated, map[string]string{
		"state":        "locked",
		"recoveryCode": recovery,
	})
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if err := s.vault.Unlock(r.Context(), req.Seed); err != nil {
		respondError(w, err)
		return
	}

	s.emitVaultState(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"state": "unlocked"})
}

func (s *Server) handleVaultLock(w http.ResponseWriter, r *http.Request) {
	s.vault.Lock()
	s.emitVaultState(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"state": "locked"})
}

func (s *Server) handleVaultStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.vault.State(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) emitVaultState(ctx context.Context) {
	if s.bus == nil {
		return
	}
	state, err := s.vault.State(ctx)
	if err != nil {
		return
	}
	s.bus.Emit(events.TypeVaultState, "/api/vault", "", map[string]interface{}{
		"state": string(state),
	})
}

// --- secrets ---

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := s.secrets.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"secrets": list,
		"count":   len(list),
	})
}

// handleCreateSecret stores a new credential. The payload is validated
// against the integration type's schema, encrypted, and never echoed back.
func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string                 `json:"name"`
		IntegrationType model.IntegrationType  `json:"integrationType"`
		Payload         map[string]interface{} `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	secret, err := s.secrets.Create(r.Context(), req.Name, req.IntegrationType, req.Payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, secret)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := s.secrets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, secret)
}

// handleUpdateSecret rotates the payload and/or toggles the enabled flag.
func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload map[string]interface{} `json:"payload"`
		Enabled *bool                  `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	id := mux.Vars(r)["id"]
	var secret *model.Secret
	var err error

	if req.Payload != nil {
		secret, err = s.secrets.Rotate(r.Context(), id, req.Payload)
		if err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Enabled != nil {
		secret, err = s.secrets.SetEnabled(r.Context(), id, *req.Enabled)
		if err != nil {
			respondError(w, err)
			return
		}
	}
	if secret == nil {
		secret, err = s.secrets.Get(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, secret)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.secrets.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
