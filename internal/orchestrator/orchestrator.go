// Package orchestrator walks flow graphs: it owns run records from seed to
// terminal state, drives node executors with per-node retry budgets, and
// routes payloads along edges (conditionals, fan-out, failure reroutes).
// One worker owns a run; nothing here is shared between concurrent runs
// except the executor deps.
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/executor"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/triage"
)

// Config tunes the retry curve. Zero values pick the defaults below.
type Config struct {
	DefaultRetries int           // retries after the first attempt (default 3)
	BackoffBase    time.Duration // first retry delay (default 1s)
	BackoffCap     time.Duration // delay ceiling (default 30s)
}

// Orchestrator executes flow runs.
type Orchestrator struct {
	store    storage.Gateway
	registry *executor.Registry
	deps     *executor.Deps
	bus      events.Emitter
	reports  *triage.Service
	metrics  *metrics.Metrics
	cfg      Config
	log      zerolog.Logger
}

func New(store storage.Gateway, registry *executor.Registry, deps *executor.Deps, bus events.Emitter, reports *triage.Service, m *metrics.Metrics, cfg Config) *Orchestrator {
	if cfg.DefaultRetries == 0 {
		cfg.DefaultRetries = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		deps:     deps,
		bus:      bus,
		reports:  reports,
		metrics:  m,
		cfg:      cfg,
		log:      logging.WithComponent("orchestrator"),
	}
}

// Seed describes what starts a run. NodeID names the trigger node; when
// empty the flow's first trigger is used. RunID and TraceID are assigned
// when empty.
type Seed struct {
	RunID     string
	FlowID    string
	NodeID    string
	TraceID   string
	Source    model.TriggerSource
	Payload   model.Payload
	Emulation bool
}

// frame is one pending node invocation on the run's work queue.
type frame struct {
	nodeID      string
	input       model.Payload
	sourceNode  string
	sourceLabel string
}

// Execute runs a flow to a terminal state. The returned error covers only
// setup failures (unknown flow, storage down); node failures end up recorded
// on the run itself.
func (o *Orchestrator) Execute(ctx context.Context, seed Seed) (*model.FlowRun, error) {
	flow, err := o.store.GetFlow(ctx, seed.FlowID)
	if err != nil {
		return nil, err
	}

	trigger := seed.NodeID
	if trigger == "" {
		triggers := flow.TriggerNodes()
		if len(triggers) == 0 {
			return nil, fault.New(fault.KindValidation, "flow %s has no trigger node", flow.ID)
		}
		trigger = triggers[0].ID
	} else if _, ok := flow.NodeByID(trigger); !ok {
		return nil, fault.New(fault.KindValidation, "flow %s has no node %q", flow.ID, trigger)
	}

	run, err := o.openRun(ctx, flow, seed, trigger)
	if err != nil {
		return nil, err
	}

	frontier := []frame{{nodeID: trigger, input: seed.Payload}}
	return o.drive(ctx, flow, run, frontier), nil
}

// ResumeJoin continues a flow past a join node whose slot timed out under a
// left or right strategy: the partial payload propagates along the join's
// outgoing edges in a fresh run.
func (o *Orchestrator) ResumeJoin(ctx context.Context, state *model.JoinState, output model.Payload) (*model.FlowRun, error) {
	flow, err := o.store.GetFlow(ctx, state.FlowID)
	if err != nil {
		return nil, err
	}
	if _, ok := flow.NodeByID(state.NodeID); !ok {
		return nil, fault.New(fault.KindValidation, "flow %s no longer has join node %q", flow.ID, state.NodeID)
	}

	seed := Seed{
		FlowID:  state.FlowID,
		TraceID: state.TraceID,
		Source:  model.SourceJoin,
		Payload: output,
	}
	run, err := o.openRun(ctx, flow, seed, state.NodeID)
	if err != nil {
		return nil, err
	}

	var frontier []frame
	for _, e := range flow.Outgoing(state.NodeID) {
		if e.IsFailure() {
			continue
		}
		frontier = append(frontier, frame{nodeID: e.To, input: output, sourceNode: state.NodeID, sourceLabel: e.Label})
	}
	if len(frontier) == 0 {
		o.finish(ctx, run, model.RunCompleted, output, nil)
		return run, nil
	}
	return o.drive(ctx, flow, run, frontier), nil
}

// openRun creates the durable run record and announces it.
func (o *Orchestrator) openRun(ctx context.Context, flow *model.Flow, seed Seed, trigger string) (*model.FlowRun, error) {
	runID := seed.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	traceID := seed.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	run := &model.FlowRun{
		ID:            runID,
		FlowID:        flow.ID,
		FlowName:      flow.Name,
		VersionID:     flow.ActiveVersion,
		TraceID:       traceID,
		TriggerNodeID: trigger,
		Source:        seed.Source,
		Status:        model.RunRunning,
		Emulated:      seed.Emulation || flow.EmulationMode,
		Input:         seed.Payload,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.emit(events.TypeRunStarted, run, map[string]interface{}{
		"flowId":   run.FlowID,
		"flowName": run.FlowName,
		"runId":    run.ID,
		"source":   string(run.Source),
		"emulated": run.Emulated,
	})
	o.log.Info().
		Str("flow_id", run.FlowID).
		Str("run_id", run.ID).
		Str("trace_id", run.TraceID).
		Str("source", string(run.Source)).
		Bool("emulated", run.Emulated).
		Msg("run started")
	return run, nil
}

// drive works the frontier until it drains or a node fails the run.
func (o *Orchestrator) drive(ctx context.Context, flow *model.Flow, run *model.FlowRun, frontier []frame) *model.FlowRun {
	reach := flow.ReachableFrom(run.TriggerNodeID)
	var lastOutput model.Payload

	for len(frontier) > 0 {
		f := frontier[0]
		frontier = frontier[1:]
		if !reach[f.nodeID] {
			continue
		}

		node, ok := flow.NodeByID(f.nodeID)
		if !ok {
			err := fault.New(fault.KindSystem, "edge references unknown node %q", f.nodeID)
			o.failRun(ctx, run, f.nodeID, f.input, nil, err, frontier)
			return run
		}

		if node.Disabled {
			now := time.Now().UTC()
			o.record(ctx, run, model.NodeExecution{
				NodeID: node.ID, NodeType: node.Type, Status: model.ExecSkipped,
				StartedAt: now, FinishedAt: now,
			})
			frontier = o.propagate(flow, node, f.input, frontier)
			continue
		}

		fn, ok := o.registry.Lookup(node.Type)
		if !ok {
			err := fault.New(fault.KindSystem, "no executor for node type %q", node.Type)
			o.failRun(ctx, run, node.ID, f.input, &node, err, frontier)
			return run
		}

		env := executor.ExecContext{
			FlowID:      flow.ID,
			FlowName:    flow.Name,
			RunID:       run.ID,
			TraceID:     run.TraceID,
			Emulation:   run.Emulated,
			SourceNode:  f.sourceNode,
			SourceLabel: f.sourceLabel,
			Flow:        flow,
			Deps:        o.deps,
		}

		o.emit(events.TypeNodeStarted, run, map[string]interface{}{
			"flowId": run.FlowID, "runId": run.ID,
			"nodeId": node.ID, "nodeType": string(node.Type),
		})

		started := time.Now().UTC()
		out, attempts, execErr := o.runNode(ctx, node, f.input, env, fn)
		finished := time.Now().UTC()
		elapsed := finished.Sub(started)

		switch {
		case execErr == nil:
			o.metrics.RecordNode(string(node.Type), "completed", "", elapsed.Seconds())
			o.record(ctx, run, model.NodeExecution{
				NodeID: node.ID, NodeType: node.Type, Status: model.ExecCompleted,
				Attempts: attempts, Input: f.input, Output: out,
				StartedAt: started, FinishedAt: finished, DurationMS: elapsed.Milliseconds(),
			})
			o.emit(events.TypeNodeComplete, run, map[string]interface{}{
				"flowId": run.FlowID, "runId": run.ID,
				"nodeId": node.ID, "nodeType": string(node.Type), "attempts": attempts,
			})
			lastOutput = out
			frontier = o.propagate(flow, node, out, frontier)

		case errors.Is(execErr, executor.ErrPending):
			// The arrival is parked in its join slot; this branch ends here
			// and the pairing arrival carries the merge downstream.
			o.metrics.RecordNode(string(node.Type), "completed", "", elapsed.Seconds())
			o.record(ctx, run, model.NodeExecution{
				NodeID: node.ID, NodeType: node.Type, Status: model.ExecCompleted,
				Attempts: attempts, Input: f.input, Output: model.Payload{"pending": true},
				StartedAt: started, FinishedAt: finished, DurationMS: elapsed.Milliseconds(),
			})
			o.emit(events.TypeNodeComplete, run, map[string]interface{}{
				"flowId": run.FlowID, "runId": run.ID,
				"nodeId": node.ID, "nodeType": string(node.Type), "pending": true,
			})

		default:
			kind := fault.KindOf(execErr)
			o.metrics.RecordNode(string(node.Type), "failed", string(kind), elapsed.Seconds())
			o.record(ctx, run, model.NodeExecution{
				NodeID: node.ID, NodeType: node.Type, Status: model.ExecFailed,
				Attempts: attempts, Input: f.input,
				Error: execErr.Error(), ErrorKind: string(kind),
				StartedAt: started, FinishedAt: finished, DurationMS: elapsed.Milliseconds(),
			})
			o.emit(events.TypeNodeFailed, run, map[string]interface{}{
				"flowId": run.FlowID, "runId": run.ID,
				"nodeId": node.ID, "nodeType": string(node.Type),
				"kind": string(kind), "attempts": attempts,
			})

			if reroute, ok := failureEdge(flow.Outgoing(node.ID)); ok {
				o.log.Warn().
					Str("run_id", run.ID).
					Str("node_id", node.ID).
					Str("kind", string(kind)).
					Str("to", reroute.To).
					Msg("node exhausted retries, taking failure edge")
				frontier = append(frontier, frame{
					nodeID: reroute.To,
					input: model.Payload{
						"error": map[string]interface{}{
							"nodeId":  node.ID,
							"kind":    string(kind),
							"message": execErr.Error(),
						},
						"input": map[string]interface{}(f.input),
					},
					sourceNode:  node.ID,
					sourceLabel: reroute.Label,
				})
				continue
			}

			o.failRun(ctx, run, node.ID, f.input, &node, execErr, frontier)
			return run
		}
	}

	o.finish(ctx, run, model.RunCompleted, lastOutput, nil)
	return run
}

// runNode invokes one executor with the node's retry budget. Returns the
// output, the attempt count, and the final error (nil, or ErrPending for a
// parked join arrival).
func (o *Orchestrator) runNode(ctx context.Context, node model.Node, input model.Payload, env executor.ExecContext, fn executor.Executor) (model.Payload, int, error) {
	budget := o.cfg.DefaultRetries
	if node.Retries != nil {
		budget = *node.Retries
	}

	attempt := 0
	for {
		attempt++
		out, err := fn(ctx, node, input, env)
		if err == nil || errors.Is(err, executor.ErrPending) {
			return out, attempt, err
		}
		if attempt > budget || !fault.IsRetryable(err) {
			return nil, attempt, err
		}

		delay := o.backoff(attempt)
		if ra, ok := fault.RetryAfterOf(err); ok && ra > delay {
			delay = ra
		}
		o.log.Warn().
			Str("run_id", env.RunID).
			Str("node_id", node.ID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", string(fault.KindOf(err))).
			Msg("node attempt failed, retrying")

		select {
		case <-ctx.Done():
			return nil, attempt, fault.Wrap(fault.KindTimeout, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoff doubles from the base per attempt, capped, with ±20% jitter.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt && d < o.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// propagate routes a node's output onto the frontier.
func (o *Orchestrator) propagate(flow *model.Flow, node model.Node, out model.Payload, frontier []frame) []frame {
	if node.Type == model.NodeEgress {
		return frontier
	}

	if node.Type == model.NodeConditional {
		truthy := out[executor.RouteKey] == "true"
		delete(out, executor.RouteKey)
		if e, ok := conditionalEdge(flow.Outgoing(node.ID), truthy); ok {
			frontier = append(frontier, frame{nodeID: e.To, input: out, sourceNode: node.ID, sourceLabel: e.Label})
		}
		return frontier
	}

	for _, e := range flow.Outgoing(node.ID) {
		if e.IsFailure() {
			continue
		}
		frontier = append(frontier, frame{nodeID: e.To, input: out, sourceNode: node.ID, sourceLabel: e.Label})
	}
	return frontier
}

// conditionalEdge picks the edge for the branch taken: first match in
// definition order, falling back to a "default"-labeled edge.
func conditionalEdge(edges []model.Edge, truthy bool) (model.Edge, bool) {
	want := map[string]bool{"success": true, "true": true}
	if !truthy {
		want = map[string]bool{"failure": true, "false": true}
	}
	for _, e := range edges {
		if want[strings.ToLower(e.Label)] {
			return e, true
		}
	}
	for _, e := range edges {
		if strings.EqualFold(e.Label, "default") {
			return e, true
		}
	}
	return model.Edge{}, false
}

// failureEdge finds the first failure-labeled edge, if any.
func failureEdge(edges []model.Edge) (model.Edge, bool) {
	for _, e := range edges {
		if e.IsFailure() {
			return e, true
		}
	}
	return model.Edge{}, false
}

// record appends one node execution to the run's in-memory record and to
// the store. A persistence miss is logged, not fatal: the terminal
// transition still lands.
func (o *Orchestrator) record(ctx context.Context, run *model.FlowRun, exec model.NodeExecution) {
	run.Executions = append(run.Executions, exec)
	if err := o.store.AppendNodeExecution(ctx, run.ID, exec); err != nil {
		o.log.Error().Err(err).
			Str("run_id", run.ID).
			Str("node_id", exec.NodeID).
			Msg("could not persist node execution")
	}
}

// failRun marks the run failed, drains queued sibling frames as skipped,
// and files a triage report.
func (o *Orchestrator) failRun(ctx context.Context, run *model.FlowRun, nodeID string, input model.Payload, node *model.Node, err error, frontier []frame) {
	executed := make(map[string]bool, len(run.Executions))
	for _, e := range run.Executions {
		executed[e.NodeID] = true
	}
	now := time.Now().UTC()
	for _, f := range frontier {
		if executed[f.nodeID] {
			continue
		}
		executed[f.nodeID] = true
		o.record(ctx, run, model.NodeExecution{
			NodeID: f.nodeID, Status: model.ExecSkipped,
			StartedAt: now, FinishedAt: now,
		})
	}

	kind := fault.KindOf(err)
	o.finish(ctx, run, model.RunFailed, nil, &model.RunError{
		NodeID:  nodeID,
		Kind:    string(kind),
		Message: err.Error(),
	})

	technical := map[string]interface{}{
		"error": err.Error(),
		"input": map[string]interface{}(input),
	}
	if node != nil {
		technical["nodeConfig"] = node.Config
	}
	if _, reportErr := o.reports.Capture(ctx, run, nodeID, err, technical); reportErr != nil {
		o.log.Error().Err(reportErr).Str("run_id", run.ID).Msg("failed to capture error report")
	}
}

// finish moves the run to its terminal state and announces it.
func (o *Orchestrator) finish(ctx context.Context, run *model.FlowRun, status model.RunStatus, output model.Payload, runErr *model.RunError) {
	now := time.Now().UTC()
	run.Status = status
	run.Output = output
	run.Error = runErr
	run.FinishedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist terminal run state")
	}

	elapsed := now.Sub(run.StartedAt)
	o.metrics.RecordRun(string(run.Source), string(status), elapsed.Seconds())

	eventType := events.TypeRunCompleted
	data := map[string]interface{}{
		"flowId": run.FlowID, "flowName": run.FlowName,
		"runId": run.ID, "status": string(status),
		"durationMs": elapsed.Milliseconds(),
	}
	if status == model.RunFailed {
		eventType = events.TypeRunFailed
		if runErr != nil {
			data["nodeId"] = runErr.NodeID
			data["kind"] = runErr.Kind
		}
	}
	o.emit(eventType, run, data)

	evt := o.log.Info()
	if status == model.RunFailed {
		evt = o.log.Warn()
	}
	evt.Str("flow_id", run.FlowID).
		Str("run_id", run.ID).
		Str("status", string(status)).
		Dur("elapsed", elapsed).
		Msg("run finished")
}

func (o *Orchestrator) emit(eventType string, run *model.FlowRun, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(eventType, "orchestrator", run.ID, data)
}
