package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// execValidator checks the input payload against an OpenAPI-style schema.
//
// Config: either an inline `schema` object or a `schemaRef` naming an entry
// in the flow's schemas map. Mode strict fails on the first violation;
// lenient collects every violation into one error listing each path.
func execValidator(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	def, err := resolveSchema(ctx, node, env)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON(raw); err != nil {
		return nil, fault.New(fault.KindValidation, "validator node %s has a malformed schema: %v", node.ID, err)
	}

	lenient := strings.EqualFold(node.ConfigString("mode"), "lenient")
	var opts []openapi3.SchemaValidationOption
	if lenient {
		opts = append(opts, openapi3.MultiErrors())
	}

	if err := schema.VisitJSON(map[string]interface{}(input), opts...); err != nil {
		if lenient {
			return nil, fault.New(fault.KindValidation, "payload failed validation: %s", describeViolations(err))
		}
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	return input, nil
}

// resolveSchema finds the schema definition for a validator node.
func resolveSchema(ctx context.Context, node model.Node, env ExecContext) (map[string]interface{}, error) {
	if s, ok := node.Config["schema"].(map[string]interface{}); ok {
		return s, nil
	}

	ref := node.ConfigString("schemaRef")
	if ref == "" {
		return nil, fault.New(fault.KindValidation, "validator node %s has neither schema nor schemaRef", node.ID)
	}

	flow := env.Flow
	if flow == nil {
		loaded, err := env.Deps.Store.GetFlow(ctx, env.FlowID)
		if err != nil {
			return nil, fault.Wrap(fault.KindSystem, err)
		}
		flow = loaded
	}
	s, ok := flow.Schemas[ref].(map[string]interface{})
	if !ok {
		return nil, fault.New(fault.KindValidation, "schema %q is not defined on flow %s", ref, env.FlowID)
	}
	return s, nil
}

// describeViolations renders every violation in a multi-error as
// "path: reason" lines joined by semicolons.
func describeViolations(err error) string {
	var multi openapi3.MultiError
	if !errors.As(err, &multi) {
		return err.Error()
	}
	parts := make([]string, 0, len(multi))
	for _, e := range multi {
		var se *openapi3.SchemaError
		if errors.As(e, &se) {
			path := strings.Join(se.JSONPointer(), ".")
			if path == "" {
				path = "(root)"
			}
			parts = append(parts, path+": "+se.Reason)
			continue
		}
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
