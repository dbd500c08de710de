package join

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// ResumeFunc resumes a flow downstream of a timed-out join node with the
// partial payload. The orchestrator provides it at wiring time.
type ResumeFunc func(ctx context.Context, state *model.JoinState, output model.Payload)

// SweeperConfig tunes the timeout sweep.
type SweeperConfig struct {
	Interval  time.Duration // sweep cadence, default 60s
	Retention time.Duration // how long resolved slots stay queryable, default 7 days
}

// Sweeper transitions overdue waiting slots to timeout and applies their
// strategy: left/right emit the partial payload downstream, inner records a
// timeout failure for triage. Resolved slots past retention are pruned.
type Sweeper struct {
	store   storage.Gateway
	metrics *metrics.Metrics
	bus     events.Emitter
	resume  ResumeFunc
	cfg     SweeperConfig
	log     zerolog.Logger
}

// NewSweeper creates a sweeper. resume may be nil; timed-out left/right
// slots are then only recorded, not re-emitted.
func NewSweeper(store storage.Gateway, m *metrics.Metrics, bus events.Emitter, resume ResumeFunc, cfg SweeperConfig, log zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Sweeper{
		store:   store,
		metrics: m,
		bus:     bus,
		resume:  resume,
		cfg:     cfg,
		log:     log.With().Str("component", "join.sweeper").Logger(),
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires overdue slots and prunes resolved ones past retention.
// Exported so tests and the manual-trigger path can drive it directly.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.store.ExpireJoinStates(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("join sweep failed")
		return
	}

	for _, state := range expired {
		s.resolveTimeout(ctx, state)
	}

	pruned, err := s.store.DeleteJoinStatesBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.log.Error().Err(err).Msg("join retention prune failed")
	} else if pruned > 0 {
		s.log.Info().Int("pruned", pruned).Msg("pruned resolved join slots")
	}
}

// resolveTimeout applies the slot's strategy. A left/right slot missing its
// kept side degrades to the inner outcome since there is nothing to emit.
func (s *Sweeper) resolveTimeout(ctx context.Context, state *model.JoinState) {
	s.metrics.RecordJoin("timeout", string(state.Strategy))
	s.bus.Emit(events.TypeJoinResolved, "/join", state.FlowID, map[string]interface{}{
		"nodeId":           state.NodeID,
		"correlationValue": state.CorrelationValue,
		"outcome":          "timeout",
		"strategy":         string(state.Strategy),
	})

	emit := false
	switch state.Strategy {
	case model.JoinLeft:
		emit = state.StreamA != nil
	case model.JoinRight:
		emit = state.StreamB != nil
	}

	if emit && s.resume != nil {
		s.log.Info().
			Str("flow_id", state.FlowID).
			Str("node_id", state.NodeID).
			Str("correlation_value", state.CorrelationValue).
			Str("strategy", string(state.Strategy)).
			Msg("emitting partial join payload after timeout")
		s.resume(ctx, state, state.Merged())
		return
	}

	now := time.Now().UTC()
	report := &model.ErrorReport{
		ID:      uuid.NewString(),
		FlowID:  state.FlowID,
		NodeID:  state.NodeID,
		Kind:    "timeout",
		Summary: "join slot timed out waiting for its pairing stream",
		Technical: map[string]interface{}{
			"correlationKey":   state.CorrelationKey,
			"correlationValue": state.CorrelationValue,
			"strategy":         string(state.Strategy),
			"expiresAt":        state.ExpiresAt,
		},
		Status:    model.ReportNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		s.log.Error().Err(err).
			Str("flow_id", state.FlowID).
			Str("node_id", state.NodeID).
			Msg("failed to record join timeout report")
	}
}
