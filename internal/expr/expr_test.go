package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBoolPredicate(t *testing.T) {
	e := New()
	input := map[string]interface{}{"order_id": "A", "score": 75}

	ok, err := e.EvalBool(".score > 60", input)
	require.NoError(t, err)
	assert.True(t, ok)

	input["score"] = 10
	ok, err = e.EvalBool(".score > 60", input)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalStringCorrelationKey(t *testing.T) {
	e := New()
	input := map[string]interface{}{"order_id": "X", "n": 42.0}

	v, err := e.EvalString(".order_id", input)
	require.NoError(t, err)
	assert.Equal(t, "X", v)

	v, err = e.EvalString(".n", input)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	// Missing path extracts empty, not an error.
	v, err = e.EvalString(".missing", input)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestEvalBadExpression(t *testing.T) {
	e := New()
	_, err := e.Eval(".[broken", map[string]interface{}{})
	require.Error(t, err)
}

func TestEvalCachesCompiledPrograms(t *testing.T) {
	e := New()
	for i := 0; i < 3; i++ {
		_, err := e.Eval(".a", map[string]interface{}{"a": 1})
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestTruthyCoercion(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(0))
	assert.True(t, Truthy(""))
	assert.True(t, Truthy("no"))
}

func TestPathExpr(t *testing.T) {
	assert.Equal(t, `."order"."id"`, PathExpr("order.id"))
	assert.Equal(t, ".already.jq", PathExpr(".already.jq"))
	assert.Equal(t, "", PathExpr(""))
}

func TestNormalizeTypedMaps(t *testing.T) {
	e := New()
	type payload = map[string]interface{}

	// Nested ints and typed slices survive normalization.
	input := payload{"items": []string{"a", "b"}, "count": 2}
	v, err := e.Eval(".items | length", input)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}
