package ingress

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/storage"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps engine errors onto HTTP statuses: not-found and
// conflict from storage, the fault kinds for everything else.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	default:
		switch fault.KindOf(err) {
		case fault.KindValidation:
			status = http.StatusBadRequest
		case fault.KindAuth:
			status = http.StatusUnauthorized
		case fault.KindRateLimit:
			status = http.StatusTooManyRequests
		}
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody fills v from the request body. An empty body is an error;
// callers with optional bodies check ContentLength first.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.New(fault.KindValidation, "invalid request body: %v", err)
	}
	return nil
}
