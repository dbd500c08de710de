package executor

import (
	"context"
	"strconv"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// execConditional evaluates the node's predicate and names the branch taken
// under RouteKey; the orchestrator pops that key and routes by edge label.
// The rest of the input passes through untouched.
//
// Config: predicate (jq expression, e.g. ".score > 60").
func execConditional(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	pred := node.ConfigString("predicate")
	if pred == "" {
		return nil, fault.New(fault.KindValidation, "conditional node %s has no predicate", node.ID)
	}

	truthy, err := env.Deps.Expr.EvalBool(pred, input)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}

	out := make(model.Payload, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[RouteKey] = strconv.FormatBool(truthy)
	return out, nil
}

// execJoin records this arrival against the node's correlation slot. The
// arrival that completes the pair gets the merged payload; earlier arrivals
// return ErrPending and propagate nothing.
func execJoin(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedJoin(input), nil
	}

	res, err := env.Deps.Joins.Arrive(ctx, env.FlowID, node, input, env.SourceNode, env.SourceLabel, env.TraceID)
	if err != nil {
		return nil, err
	}
	if !res.Matched {
		return nil, ErrPending
	}
	return res.Output, nil
}
