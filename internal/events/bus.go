// Package events is the in-process integration event stream. Run and node
// lifecycle transitions, poller pickups, and deploys are published here and
// fan out to SSE and WebSocket subscribers. Envelopes follow CloudEvents 1.0
// so the optional Pub/Sub mirror can forward them unchanged.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeRunStarted   = "run.started"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
	TypeNodeStarted  = "node.started"
	TypeNodeComplete = "node.completed"
	TypeNodeFailed   = "node.failed"
	TypePollerFile   = "poller.file"
	TypeFlowDeployed = "flow.deployed"
	TypeVaultState   = "vault.state"
	TypeJoinResolved = "join.resolved"
)

// Emitter is satisfied by both the in-memory Bus and the Pub/Sub mirror.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope used for every engine event.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent creates a CloudEvents 1.0 compliant event.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat returns the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is an in-process pub/sub event bus. Delivery is best effort: a
// subscriber whose buffer is full misses the event rather than stalling
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event            // subscribers to every type
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types.
// Pass no types to receive every event.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0)
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Buffer full, subscriber misses this one.
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
