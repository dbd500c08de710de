package queue

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
)

// AMQPQueue rides RabbitMQ: one durable queue per topic, persistent
// messages, manual acks with requeue on nack.
type AMQPQueue struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func OpenAMQP(cfg Config, m *metrics.Metrics) (*AMQPQueue, error) {
	if cfg.AMQPURL == "" {
		return nil, fault.New(fault.KindValidation, "rabbitmq backend selected but AMQP_URL is empty")
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return &AMQPQueue{
		conn:     conn,
		pub:      pub,
		declared: make(map[string]bool),
		metrics:  m,
		log:      logging.WithComponent("queue"),
	}, nil
}

// declare makes the durable queue for a topic, once per process.
func (q *AMQPQueue) declare(ch *amqp.Channel, topic string) error {
	q.mu.Lock()
	done := q.declared[topic]
	q.mu.Unlock()
	if done {
		return nil
	}
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}
	q.mu.Lock()
	q.declared[topic] = true
	q.mu.Unlock()
	return nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	pub := q.pub
	q.mu.Unlock()
	if pub == nil {
		return fault.New(fault.KindSystem, "queue is closed")
	}
	if err := q.declare(pub, topic); err != nil {
		return err
	}
	err := pub.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}
	if q.metrics != nil {
		q.metrics.RecordPublish("rabbitmq", topic)
	}
	return nil
}

func (q *AMQPQueue) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}
	if err := q.declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		return fault.Wrap(fault.KindConnection, err)
	}
	msgs, err := ch.Consume(topic, group, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fault.Wrap(fault.KindConnection, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				attempt := 1
				if msg.Redelivered {
					attempt = 2
				}
				d := &Delivery{
					Topic:   topic,
					Payload: msg.Body,
					Attempt: attempt,
					ack: func() {
						if err := msg.Ack(false); err != nil {
							q.log.Error().Err(err).Str("topic", topic).Msg("ack failed")
						}
					},
					nack: func() {
						if err := msg.Nack(false, true); err != nil {
							q.log.Error().Err(err).Str("topic", topic).Msg("nack failed")
						} else if q.metrics != nil {
							q.metrics.RecordRedelivery("rabbitmq", topic)
						}
					},
				}
				dispatch(ctx, h, d)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	q.pub = nil
	q.mu.Unlock()
	return q.conn.Close()
}
