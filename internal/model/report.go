package model

import (
	"fmt"
	"time"
)

// ReportStatus is the triage state of an error report.
type ReportStatus string

const (
	ReportNew           ReportStatus = "new"
	ReportInvestigating ReportStatus = "investigating"
	ReportResolved      ReportStatus = "resolved"
	ReportIgnored       ReportStatus = "ignored"
	ReportEscalated     ReportStatus = "escalated"
)

// reportTransitions lists the allowed triage moves.
var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportNew:           {ReportInvestigating, ReportIgnored},
	ReportInvestigating: {ReportResolved, ReportIgnored, ReportEscalated},
	ReportEscalated:     {ReportResolved, ReportIgnored},
}

// CanTransition reports whether moving from one status to another is allowed.
func (s ReportStatus) CanTransition(to ReportStatus) bool {
	for _, t := range reportTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrorReport captures a failed run for operator triage. Summary is the
// human line; Technical keeps the raw error plus node config and payload
// snapshots.
type ErrorReport struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"runId"`
	FlowID    string                 `json:"flowId"`
	FlowName  string                 `json:"flowName,omitempty"`
	NodeID    string                 `json:"nodeId"`
	Kind      string                 `json:"kind"`
	Summary   string                 `json:"summary"`
	Technical map[string]interface{} `json:"technical,omitempty"`
	Status    ReportStatus           `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Transition applies a triage move, rejecting invalid ones.
func (r *ErrorReport) Transition(to ReportStatus) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("cannot move report from %s to %s", r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}
