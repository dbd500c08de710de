package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

func mapperNode(mappings ...map[string]interface{}) model.Node {
	raw := make([]interface{}, 0, len(mappings))
	for _, m := range mappings {
		raw = append(raw, m)
	}
	return node("m", model.NodeObjectMapper, map[string]interface{}{"mappings": raw})
}

func TestMapperReshapesPayload(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(
		map[string]interface{}{"source": "order.id", "target": "orderId"},
		map[string]interface{}{"source": "order.total", "target": "amount.value"},
	)
	in := model.Payload{"order": map[string]interface{}{"id": "A-1", "total": 12.5}}

	out, err := execObjectMapper(context.Background(), n, in, env)
	require.NoError(t, err)
	assert.Equal(t, "A-1", out["orderId"])
	amount := out["amount"].(map[string]interface{})
	assert.Equal(t, 12.5, amount["value"])
}

func TestMapperTransforms(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(
		map[string]interface{}{"source": "name", "target": "upper", "transform": "uppercase"},
		map[string]interface{}{"source": "name", "target": "lower", "transform": "lowercase"},
		map[string]interface{}{"source": "padded", "target": "trimmed", "transform": "trim"},
		map[string]interface{}{"source": "qty", "target": "qtyText", "transform": "string"},
		map[string]interface{}{"source": "price", "target": "priceNum", "transform": "number"},
		map[string]interface{}{"source": "active", "target": "activeBool", "transform": "boolean"},
	)
	in := model.Payload{
		"name":   "Widget",
		"padded": "  x  ",
		"qty":    3.0,
		"price":  "12.50",
		"active": "true",
	}

	out, err := execObjectMapper(context.Background(), n, in, env)
	require.NoError(t, err)
	assert.Equal(t, "WIDGET", out["upper"])
	assert.Equal(t, "widget", out["lower"])
	assert.Equal(t, "x", out["trimmed"])
	assert.Equal(t, "3", out["qtyText"])
	assert.Equal(t, 12.5, out["priceNum"])
	assert.Equal(t, true, out["activeBool"])
}

func TestMapperMissingSourceFails(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(map[string]interface{}{"source": "absent", "target": "x"})

	_, err := execObjectMapper(context.Background(), n, model.Payload{"present": 1}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}

func TestMapperOmitEmptySkipsMissingSource(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(
		map[string]interface{}{"source": "absent", "target": "x", "omitEmpty": true},
		map[string]interface{}{"source": "present", "target": "y"},
	)

	out, err := execObjectMapper(context.Background(), n, model.Payload{"present": "v"}, env)
	require.NoError(t, err)
	_, has := out["x"]
	assert.False(t, has)
	assert.Equal(t, "v", out["y"])
}

func TestMapperNodeLevelOmitEmpty(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(map[string]interface{}{"source": "absent", "target": "x"})
	n.Config["omitEmpty"] = true

	out, err := execObjectMapper(context.Background(), n, model.Payload{}, env)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMapperBadNumberTransform(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(map[string]interface{}{"source": "v", "target": "x", "transform": "number"})

	_, err := execObjectMapper(context.Background(), n, model.Payload{"v": "not-a-number"}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}

func TestMapperUnknownTransformIsValidation(t *testing.T) {
	env := newExecEnv(t)
	n := mapperNode(map[string]interface{}{"source": "v", "target": "x", "transform": "rot13"})

	_, err := execObjectMapper(context.Background(), n, model.Payload{"v": "a"}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMapperMalformedMappingIsValidation(t *testing.T) {
	env := newExecEnv(t)
	n := node("m", model.NodeObjectMapper, map[string]interface{}{
		"mappings": []interface{}{map[string]interface{}{"target": "x"}},
	})

	_, err := execObjectMapper(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMapperWithoutMappingsFails(t *testing.T) {
	env := newExecEnv(t)
	n := node("m", model.NodeObjectMapper, nil)

	_, err := execObjectMapper(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}
