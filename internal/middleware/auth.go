package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/authbridge"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
)

// AuthPolicy enforces inbound auth policies: resolve the policy for the
// route, authenticate per its adapters, and attach the principal to the
// request context. Ungoverned routes pass untouched.
func AuthPolicy(bridge *authbridge.Bridge) mux.MiddlewareFunc {
	log := logging.WithComponent("authpolicy")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy, err := bridge.ResolvePolicy(r.Context(), r.URL.Path, r.Method)
			if err != nil {
				log.Error().Err(err).Str("path", r.URL.Path).Msg("policy lookup failed")
				writeAuthError(w, http.StatusInternalServerError, "policy lookup failed")
				return
			}
			principal, err := bridge.Authenticate(r.Context(), r, policy)
			if err != nil {
				status := http.StatusUnauthorized
				if fault.KindOf(err) != fault.KindAuth {
					status = http.StatusInternalServerError
				}
				writeAuthError(w, status, err.Error())
				return
			}
			if principal != nil {
				r = r.WithContext(authbridge.WithPrincipal(r.Context(), principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
