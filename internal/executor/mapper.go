package executor

import (
	"context"
	"strconv"
	"strings"

	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// mapping is one source→target rule of an object-mapper node.
type mapping struct {
	Source    string
	Target    string
	Transform string
	OmitEmpty bool
}

// execObjectMapper reshapes the input payload by a declarative mapping list.
//
// Config: mappings [{source, target, transform?, omitEmpty?}]. Source is a
// jq path into the input, target a dotted path in the output. A missing
// source value fails the node unless omitEmpty is set on the mapping or the
// node.
func execObjectMapper(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	mappings, err := parseMappings(node)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, fault.New(fault.KindTransformation, "object-mapper node %s has no mappings", node.ID)
	}

	nodeOmit := node.ConfigBool("omitEmpty", false)
	out := model.Payload{}

	for _, m := range mappings {
		v, err := env.Deps.Expr.Eval(expr.PathExpr(m.Source), input)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransformation, err)
		}
		if v == nil {
			if m.OmitEmpty || nodeOmit {
				continue
			}
			return nil, fault.New(fault.KindTransformation, "source path %q yielded no value", m.Source)
		}

		v, err = applyTransform(m.Transform, v)
		if err != nil {
			return nil, err
		}
		setPath(out, m.Target, v)
	}
	return out, nil
}

// parseMappings reads the mappings config list.
func parseMappings(node model.Node) ([]mapping, error) {
	raw, ok := node.Config["mappings"].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]mapping, 0, len(raw))
	for i, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			return nil, fault.New(fault.KindValidation, "mapping %d is not an object", i)
		}
		entry := mapping{}
		if s, ok := m["source"].(string); ok {
			entry.Source = s
		}
		if t, ok := m["target"].(string); ok {
			entry.Target = t
		}
		if tr, ok := m["transform"].(string); ok {
			entry.Transform = tr
		}
		if o, ok := m["omitEmpty"].(bool); ok {
			entry.OmitEmpty = o
		}
		if entry.Source == "" || entry.Target == "" {
			return nil, fault.New(fault.KindValidation, "mapping %d needs source and target", i)
		}
		out = append(out, entry)
	}
	return out, nil
}

// applyTransform applies the optional per-field transformation.
func applyTransform(name string, v interface{}) (interface{}, error) {
	switch strings.ToLower(name) {
	case "":
		return v, nil
	case "uppercase":
		return strings.ToUpper(expr.Stringify(v)), nil
	case "lowercase":
		return strings.ToLower(expr.Stringify(v)), nil
	case "trim":
		return strings.TrimSpace(expr.Stringify(v)), nil
	case "string":
		return expr.Stringify(v), nil
	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fault.New(fault.KindTransformation, "cannot convert %q to number", t)
			}
			return n, nil
		}
		return nil, fault.New(fault.KindTransformation, "cannot convert %T to number", v)
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fault.New(fault.KindTransformation, "cannot convert %q to boolean", t)
			}
			return b, nil
		case float64:
			return t != 0, nil
		case int:
			return t != 0, nil
		}
		return nil, fault.New(fault.KindTransformation, "cannot convert %T to boolean", v)
	default:
		return nil, fault.New(fault.KindValidation, "unknown transform %q", name)
	}
}

// setPath writes v at a dotted path, creating intermediate objects. A path
// segment that collides with a non-object value overwrites it.
func setPath(out model.Payload, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(out)
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = v
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
}
