package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/storage"
)

// Worker consumes trigger events off the queue and executes runs. Several
// workers may share one consumer group; each run is owned by the worker
// that received its trigger.
type Worker struct {
	orch *Orchestrator
	q    queue.Queue
	log  zerolog.Logger
}

func NewWorker(orch *Orchestrator, q queue.Queue) *Worker {
	return &Worker{orch: orch, q: q, log: logging.WithComponent("worker")}
}

// Start subscribes to the trigger topic. Consumption stops when ctx is done.
func (w *Worker) Start(ctx context.Context, group string) error {
	return w.q.Subscribe(ctx, queue.TopicTriggers, group, w.handle)
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) error {
	var ev model.TriggerEvent
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		// Poison message: redelivery cannot fix it.
		w.log.Error().Err(err).Str("topic", d.Topic).Msg("dropping undecodable trigger event")
		return nil
	}

	// The trigger event id doubles as the run id, so the executionId a
	// caller got at enqueue time addresses the finished run.
	_, err := w.orch.Execute(ctx, Seed{
		RunID:     ev.ID,
		FlowID:    ev.FlowID,
		NodeID:    ev.NodeID,
		TraceID:   ev.TraceID,
		Source:    ev.Source,
		Payload:   ev.Payload,
		Emulation: ev.Emulation,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.log.Warn().Str("flow_id", ev.FlowID).Msg("trigger for missing flow, dropping")
			return nil
		}
		if errors.Is(err, storage.ErrConflict) {
			w.log.Warn().Str("run_id", ev.ID).Msg("redelivered trigger for an existing run, dropping")
			return nil
		}
		if fault.KindOf(err) == fault.KindValidation {
			w.log.Warn().Err(err).Str("flow_id", ev.FlowID).Msg("unrunnable trigger, dropping")
			return nil
		}
		return err
	}
	return nil
}

// EnqueueTrigger publishes a trigger event on the trigger topic, assigning
// ID and enqueue time. Webhook ingest, schedules, pollers, and manual
// executes all go through here.
func EnqueueTrigger(ctx context.Context, q queue.Queue, ev model.TriggerEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}
	ev.EnqueuedAt = time.Now().UTC()

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fault.Wrap(fault.KindSystem, err)
	}
	if err := q.Enqueue(ctx, queue.TopicTriggers, raw); err != nil {
		return "", err
	}
	return ev.ID, nil
}
