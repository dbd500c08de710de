package model

import "time"

// JoinStatus tracks a correlation slot. A slot waiting_b holds stream A and
// waits for B; waiting_a is the mirror case.
type JoinStatus string

const (
	JoinWaitingA JoinStatus = "waiting_a"
	JoinWaitingB JoinStatus = "waiting_b"
	JoinMatched  JoinStatus = "matched"
	JoinTimeout  JoinStatus = "timeout"
)

// Waiting reports whether the slot still awaits its pairing stream.
func (s JoinStatus) Waiting() bool {
	return s == JoinWaitingA || s == JoinWaitingB
}

// JoinStrategy states what happens to a slot whose pair never arrives.
type JoinStrategy string

const (
	JoinInner JoinStrategy = "inner" // timeout is a failure
	JoinLeft  JoinStrategy = "left"  // emit A with null B at timeout
	JoinRight JoinStrategy = "right" // emit B with null A at timeout
)

// JoinStream identifies which side of the rendezvous an arrival belongs to.
type JoinStream string

const (
	StreamA JoinStream = "A"
	StreamB JoinStream = "B"
)

// JoinState is one correlation slot of a join node, unique per
// (flowId, nodeId, correlationValue). The first arrival creates it waiting;
// the pairing arrival flips it to matched exactly once. Timed-out slots are
// kept for inspection until retention pruning removes them.
type JoinState struct {
	ID               string       `json:"id"`
	FlowID           string       `json:"flowId"`
	NodeID           string       `json:"nodeId"`
	CorrelationKey   string       `json:"correlationKey"`
	CorrelationValue string       `json:"correlationValue"`
	StreamA          Payload      `json:"streamA,omitempty"`
	StreamB          Payload      `json:"streamB,omitempty"`
	Status           JoinStatus   `json:"status"`
	Strategy         JoinStrategy `json:"strategy"`
	TraceID          string       `json:"traceId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	ExpiresAt        time.Time    `json:"expiresAt"`
	MatchedAt        *time.Time   `json:"matchedAt,omitempty"`
}

// Merged builds the downstream payload of a matched (or partially emitted)
// slot. Missing sides stay nil so "streamB": null survives serialization.
func (j *JoinState) Merged() Payload {
	out := Payload{"streamA": nil, "streamB": nil}
	if j.StreamA != nil {
		out["streamA"] = map[string]interface{}(j.StreamA)
	}
	if j.StreamB != nil {
		out["streamB"] = map[string]interface{}(j.StreamB)
	}
	return out
}
