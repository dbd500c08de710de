package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/orchestrator"
)

// handleWebhook ingests an inbound webhook: resolve the flow by slug,
// parse the JSON body into the trigger payload and enqueue a trigger
// event. With ?sync=1 on the in-memory backend the run executes inline
// and the terminal record comes back in the response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	flow, err := s.store.GetFlowBySlug(r.Context(), slug)
	if err != nil {
		respondError(w, err)
		return
	}
	if !flow.Enabled {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "flow is disabled"})
		return
	}

	trigger, ok := firstTrigger(flow, model.NodeWebhook)
	if !ok {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "flow has no webhook trigger"})
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		respondError(w, err)
		return
	}

	ev := model.TriggerEvent{
		ID:         uuid.NewString(),
		FlowID:     flow.ID,
		NodeID:     trigger.ID,
		Source:     model.SourceWebhook,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	if s.syncExec && r.URL.Query().Get("sync") == "1" {
		run, err := s.orch.Execute(r.Context(), orchestrator.Seed{
			RunID:   ev.ID,
			FlowID:  ev.FlowID,
			NodeID:  ev.NodeID,
			Source:  ev.Source,
			Payload: ev.Payload,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, runSummary(run))
		return
	}

	runID, err := orchestrator.EnqueueTrigger(r.Context(), s.queue, ev)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"executionId": runID,
		"status":      "queued",
	})
}

// readPayload parses the request body as a JSON object. An empty body is a
// valid empty payload; a non-object JSON document lands under "body".
func readPayload(r *http.Request) (model.Payload, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFlowBody))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return model.Payload{}, nil
	}

	var payload model.Payload
	if err := json.Unmarshal(raw, &payload); err == nil {
		return payload, nil
	}

	var anything interface{}
	if err := json.Unmarshal(raw, &anything); err != nil {
		return nil, fault.New(fault.KindValidation, "invalid JSON body: %v", err)
	}
	return model.Payload{"body": anything}, nil
}

func firstTrigger(flow *model.Flow, t model.NodeType) (model.Node, bool) {
	for _, n := range flow.Nodes {
		if n.Type == t {
			return n, true
		}
	}
	return model.Node{}, false
}
