package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to SSE and WebSocket subscribers
type PubSubBus struct {
	*Bus // embedded, Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	log    zerolog.Logger
}

// NewPubSubBus creates a Pub/Sub-backed event bus. It creates the topic if
// it does not exist.
func NewPubSubBus(projectID, topicID string, log zerolog.Logger) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Events for the same run arrive in order when keyed by subject.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		log:    log.With().Str("component", "events.pubsub").Logger(),
	}

	bus.log.Info().
		Str("topic", fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)).
		Msg("connected to Pub/Sub topic")
	return bus, nil
}

// Emit creates an event, publishes it to Pub/Sub, and fans out to in-memory
// subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// PublishRaw publishes a pre-built event to Pub/Sub and the in-memory bus.
// Useful for replaying or forwarding events.
func (pb *PubSubBus) PublishRaw(event *Event) {
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish serializes the event and publishes it as a Pub/Sub message.
// Message attributes map to CloudEvents metadata for server-side filtering.
func (pb *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.log.Error().Err(err).Str("event_id", event.ID).Msg("marshal event")
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.log.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", event.Type).
				Msg("Pub/Sub publish failed")
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Stats returns basic telemetry about the bus.
func (pb *PubSubBus) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "gcp-pubsub",
		"topic":       pb.topic.String(),
		"subscribers": pb.Bus.SubscriberCount(),
	}
}

var _ Emitter = (*PubSubBus)(nil)
