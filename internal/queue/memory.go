package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
)

// MemoryQueue is the dev and test backend: one bounded channel per topic.
// Subscribers of a topic compete for messages regardless of group name, the
// way a single consumer group would.
type MemoryQueue struct {
	mu           sync.Mutex
	topics       map[string]chan *memMessage
	closed       bool
	size         int
	maxRedeliver int
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

type memMessage struct {
	payload []byte
	attempt int
}

func NewMemoryQueue(cfg Config, m *metrics.Metrics) *MemoryQueue {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	maxRedeliver := cfg.MaxRedeliver
	if maxRedeliver <= 0 {
		maxRedeliver = 5
	}
	return &MemoryQueue{
		topics:       make(map[string]chan *memMessage),
		size:         size,
		maxRedeliver: maxRedeliver,
		metrics:      m,
		log:          logging.WithComponent("queue"),
	}
}

func (q *MemoryQueue) channel(topic string) (chan *memMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fault.New(fault.KindSystem, "queue is closed")
	}
	ch, ok := q.topics[topic]
	if !ok {
		ch = make(chan *memMessage, q.size)
		q.topics[topic] = ch
	}
	return ch, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, payload []byte) error {
	ch, err := q.channel(topic)
	if err != nil {
		return err
	}
	msg := &memMessage{payload: payload, attempt: 1}
	select {
	case ch <- msg:
	default:
		return fault.New(fault.KindSystem, "queue topic %q is full", topic)
	}
	if q.metrics != nil {
		q.metrics.RecordPublish("inmemory", topic)
		q.metrics.SetQueueDepth(topic, float64(len(ch)))
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, err := q.channel(topic)
	if err != nil {
		return err
	}
	go q.consume(ctx, topic, ch, h)
	return nil
}

func (q *MemoryQueue) consume(ctx context.Context, topic string, ch chan *memMessage, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if q.metrics != nil {
				q.metrics.SetQueueDepth(topic, float64(len(ch)))
			}
			d := &Delivery{
				Topic:   topic,
				Payload: msg.payload,
				Attempt: msg.attempt,
				ack:     func() {},
				nack:    func() { q.redeliver(topic, ch, msg) },
			}
			dispatch(ctx, h, d)
		}
	}
}

// redeliver pushes a nacked message back, dropping it once the ceiling is
// reached so a poison payload cannot loop forever.
func (q *MemoryQueue) redeliver(topic string, ch chan *memMessage, msg *memMessage) {
	if msg.attempt >= q.maxRedeliver {
		q.log.Error().Str("topic", topic).Int("attempts", msg.attempt).Msg("dropping message after redelivery ceiling")
		return
	}
	next := &memMessage{payload: msg.payload, attempt: msg.attempt + 1}
	select {
	case ch <- next:
		if q.metrics != nil {
			q.metrics.RecordRedelivery("inmemory", topic)
		}
	default:
		q.log.Error().Str("topic", topic).Msg("dropping nacked message, topic is full")
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, ch := range q.topics {
		close(ch)
	}
	return nil
}
