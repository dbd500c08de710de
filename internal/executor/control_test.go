package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

func TestConditionalRoutesTrue(t *testing.T) {
	env := newExecEnv(t)
	n := node("c", model.NodeConditional, map[string]interface{}{"predicate": ".score > 60"})
	in := model.Payload{"score": 90.0}

	out, err := execConditional(context.Background(), n, in, env)
	require.NoError(t, err)
	assert.Equal(t, "true", out[RouteKey])
	assert.Equal(t, 90.0, out["score"])
}

func TestConditionalRoutesFalse(t *testing.T) {
	env := newExecEnv(t)
	n := node("c", model.NodeConditional, map[string]interface{}{"predicate": ".score > 60"})

	out, err := execConditional(context.Background(), n, model.Payload{"score": 10.0}, env)
	require.NoError(t, err)
	assert.Equal(t, "false", out[RouteKey])
}

func TestConditionalWithoutPredicate(t *testing.T) {
	env := newExecEnv(t)
	n := node("c", model.NodeConditional, nil)

	_, err := execConditional(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestConditionalBadPredicateIsTransformation(t *testing.T) {
	env := newExecEnv(t)
	n := node("c", model.NodeConditional, map[string]interface{}{"predicate": ".((("})

	_, err := execConditional(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}

func joinTestNode() model.Node {
	return node("j", model.NodeJoin, map[string]interface{}{"correlationKey": "order_id"})
}

func TestJoinFirstArrivalPends(t *testing.T) {
	env := newExecEnv(t)
	env.SourceLabel = "A"
	in := model.Payload{"order_id": "A-1", "invoice": true}

	_, err := execJoin(context.Background(), joinTestNode(), in, env)
	assert.ErrorIs(t, err, ErrPending)
}

func TestJoinSecondArrivalMerges(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	n := joinTestNode()

	envA := env
	envA.SourceLabel = "A"
	_, err := execJoin(ctx, n, model.Payload{"order_id": "A-1", "invoice": true}, envA)
	require.ErrorIs(t, err, ErrPending)

	envB := env
	envB.SourceLabel = "B"
	out, err := execJoin(ctx, n, model.Payload{"order_id": "A-1", "shipment": true}, envB)
	require.NoError(t, err)

	a := out["streamA"].(map[string]interface{})
	b := out["streamB"].(map[string]interface{})
	assert.Equal(t, true, a["invoice"])
	assert.Equal(t, true, b["shipment"])
}

func TestJoinEmulatedMatchesImmediately(t *testing.T) {
	env := newExecEnv(t)
	env.Emulation = true
	in := model.Payload{"order_id": "A-1"}

	out, err := execJoin(context.Background(), joinTestNode(), in, env)
	require.NoError(t, err)
	a := out["streamA"].(map[string]interface{})
	assert.Equal(t, "A-1", a["order_id"])
	assert.Nil(t, out["streamB"])
}

func TestJoinMissingCorrelationValue(t *testing.T) {
	env := newExecEnv(t)
	env.SourceLabel = "A"

	_, err := execJoin(context.Background(), joinTestNode(), model.Payload{"other": 1}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
