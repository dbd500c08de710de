package model

import (
	"time"
)

// RunStatus tracks a flow run through its lifecycle.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ExecStatus tracks a single node execution inside a run.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecSkipped   ExecStatus = "skipped"
)

// TriggerSource names what started a run.
type TriggerSource string

const (
	SourceWebhook   TriggerSource = "webhook"
	SourceScheduler TriggerSource = "scheduler"
	SourcePoller    TriggerSource = "poller"
	SourceManual    TriggerSource = "manual"
	SourceJoin      TriggerSource = "join"
)

// RunError is the single failure recorded on a failed run.
type RunError struct {
	NodeID  string `json:"nodeId"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NodeExecution is one node's record within a run, appended in completion
// order. Attempts counts tries including the successful or final one.
type NodeExecution struct {
	NodeID     string     `json:"nodeId"`
	NodeType   NodeType   `json:"nodeType"`
	Status     ExecStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Input      Payload    `json:"input,omitempty"`
	Output     Payload    `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"errorKind,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	DurationMS int64      `json:"durationMs"`
}

// FlowRun is the durable record of one execution of a flow.
type FlowRun struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flowId"`
	FlowName      string          `json:"flowName,omitempty"`
	VersionID     string          `json:"versionId,omitempty"`
	TraceID       string          `json:"traceId"`
	TriggerNodeID string          `json:"triggerNodeId"`
	Source        TriggerSource   `json:"source"`
	Status        RunStatus       `json:"status"`
	Emulated      bool            `json:"emulated,omitempty"`
	Input         Payload         `json:"input,omitempty"`
	Output        Payload         `json:"output,omitempty"`
	Error         *RunError       `json:"error,omitempty"`
	Executions    []NodeExecution `json:"executions,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// TriggerEvent is the queue envelope that starts a run. Webhooks, schedules,
// pollers and manual executes all funnel through this shape.
type TriggerEvent struct {
	ID         string        `json:"id"`
	FlowID     string        `json:"flowId"`
	NodeID     string        `json:"nodeId"`
	TraceID    string        `json:"traceId,omitempty"`
	Source     TriggerSource `json:"source"`
	Payload    Payload       `json:"payload,omitempty"`
	Emulation  bool          `json:"emulation,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}
