// Package schedule fires cron-driven trigger events for scheduler nodes.
// One cron runner carries every job; jobs are keyed (flowId, nodeId) and
// re-registered from the store on startup, so schedules survive restarts
// without any extra persistence.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/orchestrator"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/storage"
)

// Service owns the cron runner and the (flowId, nodeId) → entry mapping.
type Service struct {
	cron  *cron.Cron
	store storage.Gateway
	queue queue.Queue
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(store storage.Gateway, q queue.Queue) *Service {
	return &Service{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		store:   store,
		queue:   q,
		log:     logging.WithComponent("schedule"),
		entries: map[string]cron.EntryID{},
	}
}

// Start re-registers every enabled scheduler node and starts the runner.
func (s *Service) Start(ctx context.Context) error {
	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		return err
	}
	for _, f := range flows {
		s.Sync(f)
	}
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs to return.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the flow's scheduler nodes. Bad
// expressions are skipped with a warning; ValidateFlow at save time is the
// gate that should have caught them.
func (s *Service) Sync(flow *model.Flow) {
	s.Remove(flow.ID)
	if !flow.Enabled {
		return
	}
	for _, n := range flow.Nodes {
		if n.Type != model.NodeScheduler || n.Disabled {
			continue
		}
		spec, err := nodeSpec(n)
		if err != nil {
			s.log.Warn().Err(err).Str("flow_id", flow.ID).Str("node_id", n.ID).Msg("scheduler node skipped")
			continue
		}
		s.add(flow.ID, n.ID, spec)
	}
}

// Remove drops every cron entry of one flow.
func (s *Service) Remove(flowID string) {
	prefix := flowID + "/"
	s.mu.Lock()
	for key, id := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.cron.Remove(id)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// Jobs reports how many cron entries are registered.
func (s *Service) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) add(flowID, nodeID, spec string) {
	id, err := s.cron.AddFunc(spec, func() { s.fire(flowID, nodeID) })
	if err != nil {
		s.log.Warn().Err(err).Str("flow_id", flowID).Str("node_id", nodeID).Msg("cron registration failed")
		return
	}
	s.mu.Lock()
	s.entries[flowID+"/"+nodeID] = id
	s.mu.Unlock()
	s.log.Info().Str("flow_id", flowID).Str("node_id", nodeID).Str("spec", spec).Msg("schedule armed")
}

func (s *Service) fire(flowID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := orchestrator.EnqueueTrigger(ctx, s.queue, model.TriggerEvent{
		FlowID: flowID,
		NodeID: nodeID,
		Source: model.SourceScheduler,
		Payload: model.Payload{
			"scheduledAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("flow_id", flowID).Str("node_id", nodeID).Msg("scheduled trigger enqueue failed")
		return
	}
	s.log.Info().Str("flow_id", flowID).Str("node_id", nodeID).Str("execution_id", id).Msg("schedule fired")
}

// nodeSpec builds the cron spec for a scheduler node, folding an optional
// timezone config into a CRON_TZ prefix.
func nodeSpec(n model.Node) (string, error) {
	expr := strings.TrimSpace(n.ConfigString("cronExpression"))
	if expr == "" {
		return "", fault.New(fault.KindValidation, "scheduler node %s has no cronExpression", n.ID)
	}
	if tz := n.ConfigString("timezone"); tz != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		if _, err := time.LoadLocation(tz); err != nil {
			return "", fault.New(fault.KindValidation, "scheduler node %s timezone %q: %v", n.ID, tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fault.New(fault.KindValidation, "scheduler node %s cron %q: %v", n.ID, n.ConfigString("cronExpression"), err)
	}
	return expr, nil
}

// ValidateFlow rejects a flow whose scheduler nodes carry unparseable cron
// expressions. Called by the save path so broken schedules never reach the
// runner.
func ValidateFlow(flow *model.Flow) error {
	for _, n := range flow.Nodes {
		if n.Type != model.NodeScheduler {
			continue
		}
		if _, err := nodeSpec(n); err != nil {
			return err
		}
	}
	return nil
}
