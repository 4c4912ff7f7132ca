// Package orchestrator implements the typed client-side wrapper over the
// orchestrator's HTTP surface (spec.md §2 component C1, §4.1, §6). It is
// the sole channel through which the runtime persists step outputs, wait
// state, and execution status — the orchestrator is the source of truth
// for all of it (spec.md §1 Non-goals).
package orchestrator

import (
	"encoding/json"
	"time"
)

// WaitType enumerates the kinds of wait record the step engine writes.
type WaitType string

const (
	WaitTime    WaitType = "time"
	WaitEvent   WaitType = "event"
	WaitSuspend WaitType = "suspend"
)

// StepError carries the recorded failure of a step (spec.md §3 "Step
// record").
type StepError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// StepRecord is the persisted outcome of a durable step, keyed by
// (execution_id, step_key) on the orchestrator.
type StepRecord struct {
	Success            bool            `json:"success"`
	Outputs            json.RawMessage `json:"outputs,omitempty"`
	OutputSchemaName   string          `json:"output_schema_name,omitempty"`
	Error              *StepError      `json:"error,omitempty"`
	SourceExecutionID  string          `json:"source_execution_id,omitempty"`
}

// PutStepOutputRequest writes a step record.
type PutStepOutputRequest struct {
	Outputs           json.RawMessage `json:"outputs,omitempty"`
	OutputSchemaName  string          `json:"output_schema_name,omitempty"`
	Error             *StepError      `json:"error,omitempty"`
	Success           bool            `json:"success"`
	SourceExecutionID string          `json:"source_execution_id,omitempty"`
}

// WaitRequest sets the wait state for an execution (spec.md §3 "Wait
// record").
type WaitRequest struct {
	WaitType  WaitType   `json:"wait_type"`
	WaitUntil *time.Time `json:"wait_until,omitempty"`
	StepKey   string     `json:"step_key"`
	WaitTopic string     `json:"wait_topic,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Event is a published or consumed event (spec.md §3 "Event").
type Event struct {
	ID         string          `json:"id,omitempty"`
	SequenceID int64           `json:"sequence_id,omitempty"`
	Topic      string          `json:"topic"`
	EventType  string          `json:"event_type,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// PublishEventInput describes one event to publish.
type PublishEventInput struct {
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ChannelContext carries optional channel-binding metadata forwarded
// through workflow submissions (spec.md §3 "Execution context" scoped
// resources: "channel bindings").
type ChannelContext struct {
	Channel string            `json:"channel,omitempty"`
	Binding map[string]string `json:"binding,omitempty"`
}

// SubmitWorkflowRequest is the payload for submit_workflow /
// submit_workflows (spec.md §4.1).
type SubmitWorkflowRequest struct {
	WorkflowID            string          `json:"workflow_id"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	DeploymentID          string          `json:"deployment_id"`
	ParentExecutionID     string          `json:"parent_execution_id,omitempty"`
	RootExecutionID       string          `json:"root_execution_id,omitempty"`
	StepKey               string          `json:"step_key,omitempty"`
	QueueName             string          `json:"queue_name,omitempty"`
	QueueConcurrencyLimit int             `json:"queue_concurrency_limit,omitempty"`
	ConcurrencyKey        string          `json:"concurrency_key,omitempty"`
	WaitForSubworkflow    bool            `json:"wait_for_subworkflow,omitempty"`
	BatchID               string          `json:"batch_id,omitempty"`
	SessionID             string          `json:"session_id,omitempty"`
	UserID                string          `json:"user_id,omitempty"`
	Traceparent           string          `json:"otel_traceparent,omitempty"`
	InitialState          json.RawMessage `json:"initial_state,omitempty"`
	RunTimeoutSeconds     int             `json:"run_timeout_seconds,omitempty"`
	Channel               *ChannelContext `json:"channel,omitempty"`
}

// SubmitWorkflowResult is returned by submit_workflow.
type SubmitWorkflowResult struct {
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchChildResult is one entry of a batch_invoke_and_wait step record.
type BatchChildResult struct {
	WorkflowID string          `json:"workflow_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *StepError      `json:"error,omitempty"`
}

// RegisterWorkerRequest registers a new worker (spec.md §4.1, §4.7 step 1).
type RegisterWorkerRequest struct {
	DeploymentID  string   `json:"deployment_id"`
	ProjectID     string   `json:"project_id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	PushURL       string   `json:"push_url,omitempty"`
}

// HeartbeatResult tells the caller whether to re-register (spec.md §4.7).
type HeartbeatResult struct {
	ReRegister bool `json:"re_register"`
}

// WorkflowRegistration describes one unit registered during startup
// (spec.md §4.1 "register_deployment_workflow").
type WorkflowRegistration struct {
	DeploymentID   string `json:"deployment_id"`
	WorkflowID     string `json:"workflow_id"`
	Kind           string `json:"kind"`
	EventTriggered bool   `json:"event_triggered"`
	Scheduled      bool   `json:"scheduled"`
}

// QueueRegistration describes a single queue's concurrency limit.
type QueueRegistration struct {
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
}

// ReportSuccessRequest reports a successful completion.
type ReportSuccessRequest struct {
	Result           json.RawMessage `json:"result,omitempty"`
	OutputSchemaName string          `json:"output_schema_name,omitempty"`
	FinalState       json.RawMessage `json:"final_state,omitempty"`
	WorkerID         string          `json:"worker_id"`
}

// ReportFailureRequest reports a failed completion.
type ReportFailureRequest struct {
	Error      StepError       `json:"error"`
	Stack      string          `json:"stack,omitempty"`
	Retryable  bool            `json:"retryable"`
	FinalState json.RawMessage `json:"final_state,omitempty"`
	WorkerID   string          `json:"worker_id"`
}

// ExecutionStatus is the orchestrator's view of an execution's state.
type ExecutionStatus struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Error       *StepError      `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// SessionMemory is the persisted conversation-history record for a
// session (spec.md §4.1 "get_session_memory").
type SessionMemory struct {
	Summary  string            `json:"summary,omitempty"`
	Messages []json.RawMessage `json:"messages"`
}

// StreamCursor selects where StreamEvents resumes from.
type StreamCursor struct {
	LastSequenceID int64
	LastTimestamp  time.Time
}

// StreamTarget selects which stream to subscribe to: either a bare topic
// or a (workflow_id, workflow_run_id) pair (spec.md §4.1 "stream_events").
type StreamTarget struct {
	Topic          string
	WorkflowID     string
	WorkflowRunID  string
	ExecutionID    string // terminates the iterator on a matching finish event
}
