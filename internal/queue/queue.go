// Package queue is the transport between trigger producers (ingress,
// scheduler, pollers) and the orchestrator workers. Three backends share one
// contract with at-least-once delivery and explicit ack/nack.
package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
)

// Topic names used by the engine.
const (
	TopicTriggers = "trellis.triggers"
	TopicEgress   = "trellis.egress"
)

// Delivery is one message handed to a Handler. Ack confirms it; Nack sends
// it back for redelivery. A handler that returns an error without deciding
// is nacked on its behalf.
type Delivery struct {
	Topic   string
	Payload []byte
	Attempt int

	once sync.Once
	ack  func()
	nack func()
}

func (d *Delivery) Ack() {
	d.once.Do(func() {
		if d.ack != nil {
			d.ack()
		}
	})
}

func (d *Delivery) Nack() {
	d.once.Do(func() {
		if d.nack != nil {
			d.nack()
		}
	})
}

// Handler consumes one delivery. Returning an error nacks anything the
// handler did not settle itself.
type Handler func(ctx context.Context, d *Delivery) error

// Queue is the backend contract. Subscribe is non-blocking: it spawns the
// consumer loop and returns; the loop stops when ctx is done or the queue
// closes.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend      model.QueueBackend
	AMQPURL      string
	KafkaBrokers string // comma-separated
	BufferSize   int    // memory backend channel capacity
	MaxRedeliver int    // memory backend nack ceiling before dropping
}

// Open builds the configured backend.
func Open(cfg Config, m *metrics.Metrics) (Queue, error) {
	switch cfg.Backend {
	case model.QueueInMemory, "":
		return NewMemoryQueue(cfg, m), nil
	case model.QueueRabbitMQ:
		return OpenAMQP(cfg, m)
	case model.QueueKafka:
		return OpenKafka(cfg, m)
	}
	return nil, fault.New(fault.KindValidation, "unknown queue backend %q", cfg.Backend)
}

// dispatch runs the handler and settles the delivery: handler error or panic
// nacks, anything else acks.
func dispatch(ctx context.Context, h Handler, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.Nack()
			panic(r)
		}
	}()
	if err := h(ctx, d); err != nil {
		d.Nack()
		return
	}
	d.Ack()
}

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
