package model

import "time"

// QueueBackend names one of the queue implementations.
type QueueBackend string

const (
	QueueInMemory QueueBackend = "inmemory"
	QueueRabbitMQ QueueBackend = "rabbitmq"
	QueueKafka    QueueBackend = "kafka"
)

// Valid reports whether the backend name is known.
func (b QueueBackend) Valid() bool {
	switch b {
	case QueueInMemory, QueueRabbitMQ, QueueKafka:
		return true
	}
	return false
}

// QueueConfig is the single switch row selecting the active queue backend.
// Previous keeps the last backend so an operator can roll the switch back.
type QueueConfig struct {
	Current   QueueBackend `json:"current"`
	Previous  QueueBackend `json:"previous,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
