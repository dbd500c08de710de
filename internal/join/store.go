// Package join implements the correlation rendezvous behind join nodes: two
// streams meet on a shared key value within a TTL. Arrivals upsert a slot
// atomically through the storage gateway; the sweeper times out slots whose
// pair never shows and applies the node's inner/left/right strategy.
package join

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// Node config keys:
//
//	correlationKey   path of the correlation value in the payload (required)
//	timeoutMinutes   slot TTL, engine default when absent
//	strategy         inner|left|right, default inner
//	streamAFrom      source node id feeding stream A (for unlabeled edges)
//	streamBFrom      source node id feeding stream B

// Store applies stream arrivals to correlation slots.
type Store struct {
	store          storage.Gateway
	expr           *expr.Engine
	metrics        *metrics.Metrics
	bus            events.Emitter
	defaultTimeout time.Duration
	log            zerolog.Logger
}

// NewStore creates a join store. defaultTimeout bounds slots whose node does
// not set timeoutMinutes.
func NewStore(store storage.Gateway, engine *expr.Engine, m *metrics.Metrics, bus events.Emitter, defaultTimeout time.Duration, log zerolog.Logger) *Store {
	if defaultTimeout <= 0 {
		defaultTimeout = 24 * time.Hour
	}
	return &Store{
		store:          store,
		expr:           engine,
		metrics:        m,
		bus:            bus,
		defaultTimeout: defaultTimeout,
		log:            log.With().Str("component", "join").Logger(),
	}
}

// Result is the outcome of one arrival. Matched is true only for the arrival
// that completed the pair; its Output carries the merged payload.
type Result struct {
	Matched bool
	Output  model.Payload
	State   *model.JoinState
}

// Arrive records one stream hitting the join node. The correlation value is
// extracted from input via the node's key path; the stream side comes from
// the inbound edge label or explicit streamAFrom/streamBFrom config.
func (s *Store) Arrive(ctx context.Context, flowID string, node model.Node, input model.Payload, sourceNodeID, sourceLabel, traceID string) (*Result, error) {
	keyPath := node.ConfigString("correlationKey")
	if keyPath == "" {
		return nil, fault.New(fault.KindValidation, "join node %s has no correlationKey", node.ID)
	}

	value, err := s.expr.EvalString(expr.PathExpr(keyPath), input)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	if value == "" {
		return nil, fault.New(fault.KindValidation, "correlation value at %q is missing from payload", keyPath)
	}

	stream, err := resolveStream(node, sourceNodeID, sourceLabel)
	if err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if mins := node.ConfigInt("timeoutMinutes", 0); mins > 0 {
		timeout = time.Duration(mins) * time.Minute
	}

	state, completed, err := s.store.UpsertJoinArrival(ctx, storage.JoinArrival{
		FlowID:           flowID,
		NodeID:           node.ID,
		CorrelationKey:   keyPath,
		CorrelationValue: value,
		Stream:           stream,
		Payload:          input,
		Strategy:         StrategyOf(node),
		TraceID:          traceID,
		ExpiresAt:        time.Now().UTC().Add(timeout),
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindSystem, err)
	}

	if !completed {
		s.log.Debug().
			Str("flow_id", flowID).
			Str("node_id", node.ID).
			Str("correlation_value", value).
			Str("stream", string(stream)).
			Str("status", string(state.Status)).
			Msg("join slot waiting")
		return &Result{State: state}, nil
	}

	s.metrics.RecordJoin("matched", string(state.Strategy))
	s.bus.Emit(events.TypeJoinResolved, "/join", flowID, map[string]interface{}{
		"nodeId":           node.ID,
		"correlationValue": value,
		"outcome":          "matched",
	})
	return &Result{Matched: true, Output: state.Merged(), State: state}, nil
}

// Lookup returns the slot for a correlation value, storage.ErrNotFound when
// no arrival created it yet.
func (s *Store) Lookup(ctx context.Context, flowID, nodeID, correlationValue string) (*model.JoinState, error) {
	return s.store.GetJoinState(ctx, flowID, nodeID, correlationValue)
}

// StrategyOf reads the node's timeout strategy, defaulting to inner.
func StrategyOf(node model.Node) model.JoinStrategy {
	switch strings.ToLower(node.ConfigString("strategy")) {
	case "left":
		return model.JoinLeft
	case "right":
		return model.JoinRight
	default:
		return model.JoinInner
	}
}

// resolveStream maps an arrival to side A or B. Edge labels "A"/"B" win;
// explicit streamAFrom/streamBFrom node ids cover unlabeled graphs.
func resolveStream(node model.Node, sourceNodeID, sourceLabel string) (model.JoinStream, error) {
	switch strings.ToUpper(strings.TrimSpace(sourceLabel)) {
	case "A":
		return model.StreamA, nil
	case "B":
		return model.StreamB, nil
	}
	if sourceNodeID != "" {
		if node.ConfigString("streamAFrom") == sourceNodeID {
			return model.StreamA, nil
		}
		if node.ConfigString("streamBFrom") == sourceNodeID {
			return model.StreamB, nil
		}
	}
	return "", fault.New(fault.KindValidation, "cannot resolve join stream for source %q on node %s", sourceNodeID, node.ID)
}
