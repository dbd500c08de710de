// Package stream pushes run and node lifecycle events to WebSocket clients.
// A single hub goroutine owns the client set; handlers only register,
// unregister, and read until the peer goes away. Clients can narrow the
// feed to one flow or one run with query parameters.
package stream

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/logging"
)

// client is one WebSocket subscriber with its optional filters.
type client struct {
	conn   *websocket.Conn
	flowID string
	runID  string
}

// Streamer fans engine events out to WebSocket clients.
type Streamer struct {
	bus        *events.Bus
	log        zerolog.Logger
	clients    map[*client]bool
	count      atomic.Int32
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
}

func New(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		log:        logging.WithComponent("stream"),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub until the context ends. Only this goroutine touches
// the client set.
func (s *Streamer) Run(ctx context.Context) {
	feed := s.bus.Subscribe(
		events.TypeRunStarted, events.TypeRunCompleted, events.TypeRunFailed,
		events.TypeNodeStarted, events.TypeNodeComplete, events.TypeNodeFailed,
		events.TypeJoinResolved,
	)
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			for c := range s.clients {
				c.conn.Close()
			}
			s.clients = make(map[*client]bool)
			s.count.Store(0)
			return

		case c := <-s.register:
			s.clients[c] = true
			s.count.Store(int32(len(s.clients)))
			s.log.Debug().Int("clients", len(s.clients)).Msg("websocket client connected")

		case c := <-s.unregister:
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.conn.Close()
			}
			s.count.Store(int32(len(s.clients)))
			s.log.Debug().Int("clients", len(s.clients)).Msg("websocket client disconnected")

		case ev, ok := <-feed:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

// HandleWebSocket upgrades the request and registers the client. Filters:
// ?flowId= narrows to one flow, ?runId= to one run.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		conn:   conn,
		flowID: r.URL.Query().Get("flowId"),
		runID:  r.URL.Query().Get("runId"),
	}
	s.register <- c

	// Drain the read side to notice the peer closing.
	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients reports how many WebSocket subscribers are connected.
func (s *Streamer) Clients() int { return int(s.count.Load()) }

func (s *Streamer) broadcast(ev *events.Event) {
	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		if err := c.conn.WriteJSON(ev); err != nil {
			delete(s.clients, c)
			c.conn.Close()
		}
	}
	s.count.Store(int32(len(s.clients)))
}

func (c *client) wants(ev *events.Event) bool {
	if c.runID != "" && ev.Subject != c.runID {
		return false
	}
	if c.flowID != "" {
		flowID, _ := ev.Data["flowId"].(string)
		if flowID != c.flowID {
			return false
		}
	}
	return true
}
