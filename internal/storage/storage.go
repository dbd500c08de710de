// Package storage is the typed persistence gateway for the engine. Two
// implementations exist: Postgres for deployments and an in-memory gateway
// for tests and DATABASE_URL=memory dev mode. Both honor the same contract,
// including the conditional-write semantics the token cache and join store
// depend on.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/trellisflow/trellis/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses its race.
var ErrConflict = errors.New("conflict")

// JoinArrival is one stream hitting a join node, applied atomically by
// UpsertJoinArrival.
type JoinArrival struct {
	FlowID           string
	NodeID           string
	CorrelationKey   string
	CorrelationValue string
	Stream           model.JoinStream
	Payload          model.Payload
	Strategy         model.JoinStrategy
	TraceID          string
	ExpiresAt        time.Time
}

// Gateway is the storage contract. Method groups mirror the owning
// subsystems; see the per-method comments for the conditional-write rules.
type Gateway interface {
	// Flows.
	CreateFlow(ctx context.Context, f *model.Flow) error
	GetFlow(ctx context.Context, id string) (*model.Flow, error)
	GetFlowBySlug(ctx context.Context, slug string) (*model.Flow, error)
	ListFlows(ctx context.Context) ([]*model.Flow, error)
	UpdateFlow(ctx context.Context, f *model.Flow) error
	DeleteFlow(ctx context.Context, id string) error

	// Flow versions.
	CreateFlowVersion(ctx context.Context, v *model.FlowVersion) error
	GetFlowVersion(ctx context.Context, id string) (*model.FlowVersion, error)
	ListFlowVersions(ctx context.Context, flowID string) ([]*model.FlowVersion, error)
	UpdateFlowVersion(ctx context.Context, v *model.FlowVersion) error

	// Runs. A run is owned by one worker until terminal, so UpdateRun is a
	// plain overwrite; AppendNodeExecution adds one node record without
	// rewriting the rest of the row.
	CreateRun(ctx context.Context, r *model.FlowRun) error
	GetRun(ctx context.Context, id string) (*model.FlowRun, error)
	ListRunsByFlow(ctx context.Context, flowID string, limit int) ([]*model.FlowRun, error)
	UpdateRun(ctx context.Context, r *model.FlowRun) error
	AppendNodeExecution(ctx context.Context, runID string, exec model.NodeExecution) error

	// Secrets and the vault master row.
	CreateSecret(ctx context.Context, s *model.Secret) error
	GetSecret(ctx context.Context, id string) (*model.Secret, error)
	ListSecrets(ctx context.Context) ([]*model.Secret, error)
	UpdateSecret(ctx context.Context, s *model.Secret) error
	DeleteSecret(ctx context.Context, id string) error
	DeleteAllSecrets(ctx context.Context) error
	GetVaultMaster(ctx context.Context) (*model.VaultMaster, error)
	SaveVaultMaster(ctx context.Context, m *model.VaultMaster) error
	DeleteVaultMaster(ctx context.Context) error

	// Poller state, serialized per (flowID, nodeID).
	GetPollerState(ctx context.Context, flowID, nodeID string) (*model.PollerState, error)
	SavePollerState(ctx context.Context, s *model.PollerState) error

	// Join state. UpsertJoinArrival is atomic per (flowID, nodeID,
	// correlationValue); completed is true only for the arrival that flipped
	// the slot from waiting to matched. ExpireJoinStates transitions overdue
	// waiting slots to timeout and returns them once.
	UpsertJoinArrival(ctx context.Context, a JoinArrival) (state *model.JoinState, completed bool, err error)
	GetJoinState(ctx context.Context, flowID, nodeID, correlationValue string) (*model.JoinState, error)
	ExpireJoinStates(ctx context.Context, now time.Time) ([]*model.JoinState, error)
	DeleteJoinStatesBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Token cache. ClaimTokenRefresh is the CAS: it succeeds only when the
	// stored version matches and no live refresh holds the entry (a refresh
	// whose heartbeat predates stuckBefore is reclaimable). CompleteTokenRefresh
	// bumps the version by exactly one.
	GetToken(ctx context.Context, adapterID string, tokenType model.TokenType, scope string) (*model.TokenEntry, error)
	InsertToken(ctx context.Context, e *model.TokenEntry) error
	ClaimTokenRefresh(ctx context.Context, id string, version int64, now, stuckBefore time.Time) (bool, error)
	CompleteTokenRefresh(ctx context.Context, e *model.TokenEntry) error
	FailTokenRefresh(ctx context.Context, id string, refreshErr string, now time.Time) error
	TouchToken(ctx context.Context, id string, usedAt time.Time) error
	ListTokensExpiringBefore(ctx context.Context, cutoff time.Time) ([]*model.TokenEntry, error)
	DeleteTokensForAdapter(ctx context.Context, adapterID string) error

	// Auth adapters and inbound policies.
	CreateAdapter(ctx context.Context, a *model.AuthAdapter) error
	GetAdapter(ctx context.Context, id string) (*model.AuthAdapter, error)
	ListAdapters(ctx context.Context) ([]*model.AuthAdapter, error)
	UpdateAdapter(ctx context.Context, a *model.AuthAdapter) error
	DeleteAdapter(ctx context.Context, id string) error
	CreatePolicy(ctx context.Context, p *model.InboundAuthPolicy) error
	ListPolicies(ctx context.Context) ([]*model.InboundAuthPolicy, error)
	UpdatePolicy(ctx context.Context, p *model.InboundAuthPolicy) error
	DeletePolicy(ctx context.Context, id string) error

	// Error reports.
	CreateReport(ctx context.Context, r *model.ErrorReport) error
	GetReport(ctx context.Context, id string) (*model.ErrorReport, error)
	ListReports(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ErrorReport, error)
	UpdateReport(ctx context.Context, r *model.ErrorReport) error

	// Queue backend switch row.
	GetQueueConfig(ctx context.Context) (*model.QueueConfig, error)
	SaveQueueConfig(ctx context.Context, c *model.QueueConfig) error

	Ping(ctx context.Context) error
	Close() error
}

// Open selects a gateway from the DATABASE_URL value: "memory" yields the
// in-process gateway, anything else is treated as a Postgres DSN.
func Open(ctx context.Context, databaseURL string) (Gateway, error) {
	if strings.EqualFold(databaseURL, "memory") {
		return NewMemory(), nil
	}
	return OpenPostgres(ctx, databaseURL)
}
