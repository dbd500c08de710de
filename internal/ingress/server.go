// Package ingress is the HTTP surface of the engine: webhook ingest, flow
// and version management, run inspection, vault and secret administration,
// and the live event feeds (SSE and websocket). Every route goes through
// the same middleware chain: CORS, request logging, rate limiting, inbound
// auth policy enforcement.
package ingress

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/authbridge"
	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/middleware"
	"github.com/trellisflow/trellis/internal/orchestrator"
	"github.com/trellisflow/trellis/internal/poller"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/schedule"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/stream"
	"github.com/trellisflow/trellis/internal/tokens"
	"github.com/trellisflow/trellis/internal/triage"
	"github.com/trellisflow/trellis/internal/vault"
	"github.com/trellisflow/trellis/internal/version"
)

// Deps collects everything the HTTP layer fronts. Schedule, Pollers and
// Streamer may be nil; the matching routes then degrade (no re-arming on
// flow save, 503 on the websocket feed).
type Deps struct {
	Store    storage.Gateway
	Orch     *orchestrator.Orchestrator
	Queue    queue.Queue
	Bus      *events.Bus
	Vault    *vault.Vault
	Secrets  *vault.Secrets
	Tokens   *tokens.Service
	Versions *version.Service
	Reports  *triage.Service
	Schedule *schedule.Service
	Pollers  *poller.Service
	Streamer *stream.Streamer
	Limiter  *middleware.Limiter
	Bridge   *authbridge.Bridge

	// SyncExecute allows ?sync=1 on webhook ingest to run the flow inline
	// instead of enqueueing. Only enabled for the in-memory queue backend.
	SyncExecute bool
}

// Server is the engine's REST/JSON front.
type Server struct {
	store    storage.Gateway
	orch     *orchestrator.Orchestrator
	queue    queue.Queue
	bus      *events.Bus
	vault    *vault.Vault
	secrets  *vault.Secrets
	tokens   *tokens.Service
	versions *version.Service
	reports  *triage.Service
	sched    *schedule.Service
	pollers  *poller.Service
	streamer *stream.Streamer
	limiter  *middleware.Limiter
	bridge   *authbridge.Bridge
	syncExec bool
	log      zerolog.Logger
}

func New(d Deps) *Server {
	return &Server{
		store:    d.Store,
		orch:     d.Orch,
		queue:    d.Queue,
		bus:      d.Bus,
		vault:    d.Vault,
		secrets:  d.Secrets,
		tokens:   d.Tokens,
		versions: d.Versions,
		reports:  d.Reports,
		sched:    d.Schedule,
		pollers:  d.Pollers,
		streamer: d.Streamer,
		limiter:  d.Limiter,
		bridge:   d.Bridge,
		syncExec: d.SyncExecute,
		log:      logging.WithComponent("ingress"),
	}
}

// Router builds the full route table. Tests mount this on httptest servers.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(middleware.RequestLog)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	if s.bridge != nil {
		r.Use(middleware.AuthPolicy(s.bridge))
	}

	// Ingest and execution.
	r.HandleFunc("/api/webhook/{slug}", s.handleWebhook).Methods("POST")
	r.HandleFunc("/api/flows/{id}/execute", s.handleExecuteFlow).Methods("POST")

	// Flow management.
	r.HandleFunc("/api/flows", s.handleListFlows).Methods("GET")
	r.HandleFunc("/api/flows", s.handleCreateFlow).Methods("POST")
	r.HandleFunc("/api/flows/import", s.handleImportFlow).Methods("POST")
	r.HandleFunc("/api/flows/{id}", s.handleGetFlow).Methods("GET")
	r.HandleFunc("/api/flows/{id}", s.handleUpdateFlow).Methods("PUT")
	r.HandleFunc("/api/flows/{id}", s.handleDeleteFlow).Methods("DELETE")
	r.HandleFunc("/api/flows/{id}/export", s.handleExportFlow).Methods("GET")

	// Version lifecycle.
	r.HandleFunc("/api/flows/versions/{id}/approve", s.handleApproveVersion).Methods("POST")
	r.HandleFunc("/api/flows/versions/{id}/deploy", s.handleDeployVersion).Methods("POST")
	r.HandleFunc("/api/flows/{id}/versions", s.handlePushVersion).Methods("POST")
	r.HandleFunc("/api/flows/{id}/versions", s.handleListVersions).Methods("GET")
	r.HandleFunc("/api/flows/{id}/rollback", s.handleRollbackFlow).Methods("POST")

	// Runs and triage.
	r.HandleFunc("/api/runs/{id}", s.handleGetRun).Methods("GET")
	r.HandleFunc("/api/flows/{id}/runs", s.handleListRuns).Methods("GET")
	r.HandleFunc("/api/reports", s.handleListReports).Methods("GET")
	r.HandleFunc("/api/reports/{id}/status", s.handleReportStatus).Methods("POST")

	// Event feeds.
	r.HandleFunc("/api/events/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/api/runs/events/ws", s.handleRunSocket).Methods("GET")

	// Vault and secrets.
	r.HandleFunc("/api/vault/init", s.handleVaultInit).Methods("POST")
	r.HandleFunc("/api/vault/unlock", s.handleVaultUnlock).Methods("POST")
	r.HandleFunc("/api/vault/lock", s.handleVaultLock).Methods("POST")
	r.HandleFunc("/api/vault/status", s.handleVaultStatus).Methods("GET")
	r.HandleFunc("/api/secrets", s.handleListSecrets).Methods("GET")
	r.HandleFunc("/api/secrets", s.handleCreateSecret).Methods("POST")
	r.HandleFunc("/api/secrets/{id}", s.handleGetSecret).Methods("GET")
	r.HandleFunc("/api/secrets/{id}", s.handleUpdateSecret).Methods("PUT")
	r.HandleFunc("/api/secrets/{id}", s.handleDeleteSecret).Methods("DELETE")

	// Inbound auth administration.
	r.HandleFunc("/api/adapters", s.handleListAdapters).Methods("GET")
	r.HandleFunc("/api/adapters", s.handleCreateAdapter).Methods("POST")
	r.HandleFunc("/api/adapters/{id}", s.handleGetAdapter).Methods("GET")
	r.HandleFunc("/api/adapters/{id}", s.handleUpdateAdapter).Methods("PUT")
	r.HandleFunc("/api/adapters/{id}", s.handleDeleteAdapter).Methods("DELETE")
	r.HandleFunc("/api/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/api/policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/api/policies/{id}", s.handleUpdatePolicy).Methods("PUT")
	r.HandleFunc("/api/policies/{id}", s.handleDeletePolicy).Methods("DELETE")

	// Queue backend switch.
	r.HandleFunc("/api/queue/config", s.handleGetQueueConfig).Methods("GET")
	r.HandleFunc("/api/queue/config", s.handlePutQueueConfig).Methods("PUT")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Auth-Adapter-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall, db := "ok", "up"
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		overall, db = "degraded", "down"
	}

	vs := "unconfigured"
	if s.vault != nil {
		if state, err := s.vault.State(ctx); err == nil {
			vs = string(state)
		}
	}

	respondJSON(w, status, map[string]interface{}{
		"status":   overall,
		"database": db,
		"vault":    vs,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
