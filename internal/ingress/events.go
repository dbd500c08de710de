package ingress

import (
	"net/http"
	"strings"
	"time"
)

// handleEventStream serves the engine event bus as Server-Sent Events.
// ?types=run.completed,node.failed narrows the subscription; without it
// every event type flows.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Comment frames keep intermediaries from timing the connection out.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleRunSocket hands the connection to the websocket streamer.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run streamer not available"})
		return
	}
	s.streamer.HandleWebSocket(w, r)
}
