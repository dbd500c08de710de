package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
)

// KafkaQueue rides Kafka consumer groups. Commits happen after the handler
// succeeds, so a crash between processing and commit redelivers.
type KafkaQueue struct {
	brokers []string

	mu        sync.Mutex
	producer  *kgo.Client
	consumers []*kgo.Client
	closed    bool

	metrics *metrics.Metrics
	log     zerolog.Logger
}

func OpenKafka(cfg Config, m *metrics.Metrics) (*KafkaQueue, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil, fault.New(fault.KindValidation, "kafka backend selected but KAFKA_BROKERS is empty")
	}
	producer, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return &KafkaQueue{
		brokers:  brokers,
		producer: producer,
		metrics:  m,
		log:      logging.WithComponent("queue"),
	}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	producer := q.producer
	q.mu.Unlock()
	if producer == nil {
		return fault.New(fault.KindSystem, "queue is closed")
	}
	err := producer.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: payload}).FirstErr()
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}
	if q.metrics != nil {
		q.metrics.RecordPublish("kafka", topic)
	}
	return nil
}

func (q *KafkaQueue) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(q.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		consumer.Close()
		return fault.New(fault.KindSystem, "queue is closed")
	}
	q.consumers = append(q.consumers, consumer)
	q.mu.Unlock()

	go q.poll(ctx, consumer, topic, h)
	return nil
}

func (q *KafkaQueue) poll(ctx context.Context, consumer *kgo.Client, topic string, h Handler) {
	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(t string, p int32, err error) {
			q.log.Error().Err(err).Str("topic", t).Int32("partition", p).Msg("kafka fetch error")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			d := &Delivery{
				Topic:   topic,
				Payload: rec.Value,
				Attempt: 1,
				ack: func() {
					if err := consumer.CommitRecords(ctx, rec); err != nil {
						q.log.Error().Err(err).Str("topic", topic).Msg("kafka commit failed")
					}
				},
				// No commit: the record comes back after the next
				// rebalance or restart.
				nack: func() {
					if q.metrics != nil {
						q.metrics.RecordRedelivery("kafka", topic)
					}
				},
			}
			dispatch(ctx, h, d)
		})
	}
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.producer != nil {
		q.producer.Close()
		q.producer = nil
	}
	for _, c := range q.consumers {
		c.Close()
	}
	q.consumers = nil
	return nil
}
