package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

var orderSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"orderId", "qty"},
	"properties": map[string]interface{}{
		"orderId": map[string]interface{}{"type": "string"},
		"qty":     map[string]interface{}{"type": "number", "minimum": 1.0},
	},
}

func TestValidatorStrictPass(t *testing.T) {
	env := newExecEnv(t)
	n := node("v", model.NodeValidator, map[string]interface{}{"schema": orderSchema})
	in := model.Payload{"orderId": "A-1", "qty": 3.0}

	out, err := execValidator(context.Background(), n, in, env)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestValidatorStrictFailure(t *testing.T) {
	env := newExecEnv(t)
	n := node("v", model.NodeValidator, map[string]interface{}{"schema": orderSchema})
	in := model.Payload{"qty": 3.0}

	_, err := execValidator(context.Background(), n, in, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidatorLenientListsEveryViolation(t *testing.T) {
	env := newExecEnv(t)
	n := node("v", model.NodeValidator, map[string]interface{}{"schema": orderSchema, "mode": "lenient"})
	in := model.Payload{"qty": 0.0}

	_, err := execValidator(context.Background(), n, in, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "orderId")
	assert.Contains(t, err.Error(), "qty")
}

func TestValidatorSchemaRefFromFlow(t *testing.T) {
	env := newExecEnv(t)
	env.Flow = &model.Flow{
		ID:      env.FlowID,
		Schemas: map[string]interface{}{"order": orderSchema},
	}
	n := node("v", model.NodeValidator, map[string]interface{}{"schemaRef": "order"})

	out, err := execValidator(context.Background(), n, model.Payload{"orderId": "A-1", "qty": 2.0}, env)
	require.NoError(t, err)
	assert.Equal(t, "A-1", out["orderId"])
}

func TestValidatorUnknownSchemaRef(t *testing.T) {
	env := newExecEnv(t)
	env.Flow = &model.Flow{ID: env.FlowID}
	n := node("v", model.NodeValidator, map[string]interface{}{"schemaRef": "missing"})

	_, err := execValidator(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidatorWithoutSchemaConfig(t *testing.T) {
	env := newExecEnv(t)
	n := node("v", model.NodeValidator, nil)

	_, err := execValidator(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidatorMalformedSchema(t *testing.T) {
	env := newExecEnv(t)
	n := node("v", model.NodeValidator, map[string]interface{}{
		"schema": map[string]interface{}{"type": 42},
	})

	_, err := execValidator(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
