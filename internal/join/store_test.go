package join

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

func newTestStore(t *testing.T) (*Store, storage.Gateway) {
	t.Helper()
	gw := storage.NewMemory()
	s := NewStore(gw, expr.New(), metrics.NewWith(prometheus.NewRegistry()), events.NewBus(), time.Hour, zerolog.Nop())
	return s, gw
}

func joinNode(config map[string]interface{}) model.Node {
	if config == nil {
		config = map[string]interface{}{}
	}
	if _, ok := config["correlationKey"]; !ok {
		config["correlationKey"] = "order_id"
	}
	return model.Node{ID: "join-1", Type: model.NodeJoin, Config: config}
}

func TestFirstArrivalWaitsSecondMatches(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	node := joinNode(nil)

	first, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X", "a": 1}, "src-a", "A", "trace-1")
	require.NoError(t, err)
	assert.False(t, first.Matched)
	assert.Equal(t, model.JoinWaitingB, first.State.Status)

	second, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X", "b": 2}, "src-b", "B", "trace-1")
	require.NoError(t, err)
	require.True(t, second.Matched)
	assert.Equal(t, model.JoinMatched, second.State.Status)

	streamA, ok := second.Output["streamA"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, streamA["a"])
	streamB, ok := second.Output["streamB"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, streamB["b"])
}

func TestDistinctCorrelationValuesStayApart(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	node := joinNode(nil)

	first, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X"}, "", "A", "")
	require.NoError(t, err)
	assert.False(t, first.Matched)

	second, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "Y"}, "", "B", "")
	require.NoError(t, err)
	assert.False(t, second.Matched, "different correlation values must not pair")
}

func TestStreamResolutionFromLowercaseLabel(t *testing.T) {
	s, _ := newTestStore(t)
	node := joinNode(nil)

	res, err := s.Arrive(context.Background(), "flow-1", node, model.Payload{"order_id": "X"}, "", "b", "")
	require.NoError(t, err)
	assert.Equal(t, model.JoinWaitingA, res.State.Status)
	assert.NotNil(t, res.State.StreamB)
}

func TestStreamResolutionFromConfig(t *testing.T) {
	s, _ := newTestStore(t)
	node := joinNode(map[string]interface{}{
		"streamAFrom": "parse-orders",
		"streamBFrom": "parse-shipments",
	})

	res, err := s.Arrive(context.Background(), "flow-1", node, model.Payload{"order_id": "X"}, "parse-shipments", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.JoinWaitingA, res.State.Status)
}

func TestUnresolvableStreamIsValidationError(t *testing.T) {
	s, _ := newTestStore(t)
	node := joinNode(nil)

	_, err := s.Arrive(context.Background(), "flow-1", node, model.Payload{"order_id": "X"}, "mystery-node", "", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMissingCorrelationValueIsValidationError(t *testing.T) {
	s, _ := newTestStore(t)
	node := joinNode(nil)

	_, err := s.Arrive(context.Background(), "flow-1", node, model.Payload{"customer": "acme"}, "", "A", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestDuplicateSideLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	node := joinNode(nil)

	_, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X", "rev": 1}, "", "A", "")
	require.NoError(t, err)

	dup, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X", "rev": 2}, "", "A", "")
	require.NoError(t, err)
	assert.False(t, dup.Matched)
	assert.Equal(t, model.JoinWaitingB, dup.State.Status)

	final, err := s.Arrive(ctx, "flow-1", node, model.Payload{"order_id": "X", "b": true}, "", "B", "")
	require.NoError(t, err)
	require.True(t, final.Matched)
	streamA := final.Output["streamA"].(map[string]interface{})
	assert.Equal(t, 2, streamA["rev"], "later duplicate should replace the earlier side")
}

func TestNestedCorrelationPath(t *testing.T) {
	s, _ := newTestStore(t)
	node := joinNode(map[string]interface{}{"correlationKey": "order.id"})

	res, err := s.Arrive(context.Background(), "flow-1", node,
		model.Payload{"order": map[string]interface{}{"id": "deep-7"}}, "", "A", "")
	require.NoError(t, err)
	assert.Equal(t, "deep-7", res.State.CorrelationValue)
}

func TestStrategyOfDefaultsToInner(t *testing.T) {
	assert.Equal(t, model.JoinInner, StrategyOf(joinNode(nil)))
	assert.Equal(t, model.JoinLeft, StrategyOf(joinNode(map[string]interface{}{"strategy": "left"})))
	assert.Equal(t, model.JoinRight, StrategyOf(joinNode(map[string]interface{}{"strategy": "RIGHT"})))
}
