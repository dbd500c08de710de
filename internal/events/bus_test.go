package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedSubscriptionReceivesOnlyItsTypes(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRunCompleted, TypeRunFailed)

	bus.Emit(TypeRunStarted, "/orchestrator", "run-1", nil)
	bus.Emit(TypeRunCompleted, "/orchestrator", "run-1", map[string]interface{}{"status": "completed"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeRunCompleted, ev.Type)
		assert.Equal(t, "run-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected run.completed event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestAllSubscriberReceivesEverything(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Emit(TypeRunStarted, "/orchestrator", "run-1", nil)
	bus.Emit(TypeNodeComplete, "/orchestrator", "run-1", nil)
	bus.Emit(TypePollerFile, "/poller", "sftp-drop", nil)

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	assert.Equal(t, []string{TypeRunStarted, TypeNodeComplete, TypePollerFile}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRunStarted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	bus.Emit(TypeRunStarted, "/orchestrator", "run-1", nil)
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 2
	ch := bus.Subscribe(TypeNodeComplete)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeNodeComplete, "/orchestrator", "run-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber buffer")
	}

	assert.Len(t, ch, 2, "overflow events should be dropped, not queued")
}

func TestEventEnvelope(t *testing.T) {
	ev := NewEvent(TypeFlowDeployed, "/api/flows", "flow-7", map[string]interface{}{"version": 3})

	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)
	assert.WithinDuration(t, time.Now().UTC(), ev.Time, time.Second)

	other := NewEvent(TypeFlowDeployed, "/api/flows", "flow-7", nil)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent(TypeRunCompleted, "/orchestrator", "run-9", map[string]interface{}{"status": "completed"})

	frame, err := ev.SSEFormat()
	require.NoError(t, err)

	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: run.completed\n"), "frame: %q", text)
	assert.Contains(t, text, "data: {")
	assert.Contains(t, text, "id: "+ev.ID)
	assert.True(t, strings.HasSuffix(text, "\n\n"), "frame must end with a blank line")
}
