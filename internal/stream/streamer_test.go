package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/events"
)

func newStreamFixture(t *testing.T) (*Streamer, *events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.NewBus()
	s := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(srv.Close)
	return s, bus, srv
}

func dialStreamer(t *testing.T, s *Streamer, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := s.Clients()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Registration goes through the hub channel; wait for it to land before
	// publishing, or the event races past the empty client set.
	require.Eventually(t, func() bool { return s.Clients() > before }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func TestStreamerBroadcastsRunEvents(t *testing.T) {
	s, bus, srv := newStreamFixture(t)
	conn := dialStreamer(t, s, srv, "")

	bus.Emit(events.TypeRunStarted, "orchestrator", "run-1", map[string]interface{}{"flowId": "f1"})

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeRunStarted, ev.Type)
	assert.Equal(t, "run-1", ev.Subject)
	assert.Equal(t, "f1", ev.Data["flowId"])
}

func TestStreamerRunFilter(t *testing.T) {
	s, bus, srv := newStreamFixture(t)
	conn := dialStreamer(t, s, srv, "?runId=run-2")

	bus.Emit(events.TypeNodeComplete, "orchestrator", "run-1", map[string]interface{}{"flowId": "f1"})
	bus.Emit(events.TypeNodeComplete, "orchestrator", "run-2", map[string]interface{}{"flowId": "f1"})

	ev := readEvent(t, conn)
	assert.Equal(t, "run-2", ev.Subject, "the run-1 event must be filtered out")
}

func TestStreamerFlowFilter(t *testing.T) {
	s, bus, srv := newStreamFixture(t)
	conn := dialStreamer(t, s, srv, "?flowId=f2")

	bus.Emit(events.TypeRunCompleted, "orchestrator", "run-1", map[string]interface{}{"flowId": "f1"})
	bus.Emit(events.TypeRunCompleted, "orchestrator", "run-2", map[string]interface{}{"flowId": "f2"})

	ev := readEvent(t, conn)
	assert.Equal(t, "f2", ev.Data["flowId"])
}

func TestStreamerDropsDisconnectedClients(t *testing.T) {
	s, bus, srv := newStreamFixture(t)
	conn := dialStreamer(t, s, srv, "")

	conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 0 }, time.Second, 5*time.Millisecond)

	// Publishing with no clients must not block or panic.
	bus.Emit(events.TypeRunStarted, "orchestrator", "run-1", map[string]interface{}{"flowId": "f1"})
}

func TestStreamerIgnoresUnrelatedEvents(t *testing.T) {
	s, bus, srv := newStreamFixture(t)
	conn := dialStreamer(t, s, srv, "")

	// vault.state is not part of the run feed; only the run event arrives.
	bus.Emit(events.TypeVaultState, "vault", "", map[string]interface{}{"state": "unlocked"})
	bus.Emit(events.TypeRunStarted, "orchestrator", "run-1", map[string]interface{}{"flowId": "f1"})

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeRunStarted, ev.Type)
}
