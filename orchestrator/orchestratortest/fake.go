// Package orchestratortest provides an in-memory fake implementing
// orchestrator.Client, grounded on runtime/agent/engine/inmem's
// in-process engine adapter. It stands in for a live orchestrator when
// exercising replay, wait/resume, and event ordering without a network
// dependency; the module ships no tests that use it.
package orchestratortest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
)

type stepKey struct {
	executionID string
	stepKey     string
}

// Fake is an in-memory orchestrator.Client. All state is guarded by mu;
// safe for concurrent use by multiple simulated executions.
type Fake struct {
	mu sync.Mutex

	steps      map[stepKey]orchestrator.StepRecord
	waits      map[string]orchestrator.WaitRequest
	events     map[string][]orchestrator.Event
	seq        int64
	sessions   map[string]orchestrator.SessionMemory
	history    map[string][]json.RawMessage
	executions map[string]*orchestrator.ExecutionStatus
	workerIDs  map[string]struct{}

	// OnSubmit lets tests observe/react to sub-workflow submissions; if
	// unset, submissions are recorded but never auto-complete (the test
	// drives completion explicitly via PutStepOutput on the parent).
	OnSubmit func(workflowID string, req orchestrator.SubmitWorkflowRequest) orchestrator.SubmitWorkflowResult
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		steps:      make(map[stepKey]orchestrator.StepRecord),
		waits:      make(map[string]orchestrator.WaitRequest),
		events:     make(map[string][]orchestrator.Event),
		sessions:   make(map[string]orchestrator.SessionMemory),
		history:    make(map[string][]json.RawMessage),
		executions: make(map[string]*orchestrator.ExecutionStatus),
		workerIDs:  make(map[string]struct{}),
	}
}

func (f *Fake) RegisterWorker(ctx context.Context, req orchestrator.RegisterWorkerRequest) (string, error) {
	id := "worker-1"
	f.mu.Lock()
	f.workerIDs[id] = struct{}{}
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) MarkOnline(ctx context.Context, workerID string) error { return nil }

func (f *Fake) Heartbeat(ctx context.Context, workerID string) (orchestrator.HeartbeatResult, error) {
	return orchestrator.HeartbeatResult{}, nil
}

func (f *Fake) PollWork(ctx context.Context, workerID string, maxWorkflows int) ([]orchestrator.SubmitWorkflowResult, error) {
	return nil, nil
}

func (f *Fake) RegisterDeployment(ctx context.Context, deploymentID string) error { return nil }
func (f *Fake) RegisterAgent(ctx context.Context, payload any) error             { return nil }
func (f *Fake) RegisterTool(ctx context.Context, payload any) error              { return nil }
func (f *Fake) RegisterDeploymentWorkflow(ctx context.Context, req orchestrator.WorkflowRegistration) error {
	return nil
}
func (f *Fake) RegisterQueues(ctx context.Context, deploymentID string, queues []orchestrator.QueueRegistration) error {
	return nil
}
func (f *Fake) RegisterEventTrigger(ctx context.Context, payload any) error { return nil }
func (f *Fake) RegisterSchedule(ctx context.Context, payload any) error    { return nil }

func (f *Fake) SubmitWorkflow(ctx context.Context, workflowID string, req orchestrator.SubmitWorkflowRequest) (orchestrator.SubmitWorkflowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OnSubmit != nil {
		return f.OnSubmit(workflowID, req), nil
	}
	return orchestrator.SubmitWorkflowResult{ExecutionID: fmt.Sprintf("sub-%s", workflowID), CreatedAt: time.Now()}, nil
}

func (f *Fake) SubmitWorkflows(ctx context.Context, workflowID string, reqs []orchestrator.SubmitWorkflowRequest) ([]orchestrator.SubmitWorkflowResult, error) {
	out := make([]orchestrator.SubmitWorkflowResult, len(reqs))
	for i, r := range reqs {
		res, err := f.SubmitWorkflow(ctx, workflowID, r)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (f *Fake) GetStepOutput(ctx context.Context, executionID, step string) (*orchestrator.StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.steps[stepKey{executionID, step}]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (f *Fake) PutStepOutput(ctx context.Context, executionID, step string, req orchestrator.PutStepOutputRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepKey{executionID, step}] = orchestrator.StepRecord{
		Success:           req.Success,
		Outputs:           req.Outputs,
		OutputSchemaName:  req.OutputSchemaName,
		Error:             req.Error,
		SourceExecutionID: req.SourceExecutionID,
	}
	delete(f.waits, executionID)
	return nil
}

func (f *Fake) SetWaiting(ctx context.Context, executionID string, req orchestrator.WaitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits[executionID] = req
	return nil
}

func (f *Fake) UpdateOtelSpanID(ctx context.Context, executionID, spanID string) error { return nil }

func (f *Fake) PublishEvents(ctx context.Context, topic string, evts []orchestrator.PublishEventInput, executionID, rootExecutionID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(evts))
	for i, e := range evts {
		f.seq++
		ids[i] = f.seq
		f.events[topic] = append(f.events[topic], orchestrator.Event{
			ID:         fmt.Sprintf("evt-%d", f.seq),
			SequenceID: f.seq,
			Topic:      topic,
			EventType:  e.EventType,
			Data:       e.Data,
			CreatedAt:  time.Now(),
		})
	}
	return ids, nil
}

// StreamEvents replays events already published on the topic at call
// time; it does not block for future events, so only events published
// before the call are seen.
func (f *Fake) StreamEvents(ctx context.Context, target orchestrator.StreamTarget, cursor orchestrator.StreamCursor) (orchestrator.EventIterator, error) {
	topic := target.Topic
	if topic == "" {
		topic = fmt.Sprintf("workflow/%s/%s", target.WorkflowID, target.WorkflowRunID)
	}
	f.mu.Lock()
	snapshot := append([]orchestrator.Event(nil), f.events[topic]...)
	f.mu.Unlock()

	return func(yield func(orchestrator.StreamEvent, error) bool) {
		for _, evt := range snapshot {
			if evt.SequenceID <= cursor.LastSequenceID {
				continue
			}
			if !yield(orchestrator.StreamEvent{Event: evt}, nil) {
				return
			}
			if target.ExecutionID != "" && isFinish(evt.EventType) {
				var meta struct {
					Metadata struct {
						ExecutionID string `json:"execution_id"`
					} `json:"_metadata"`
				}
				if json.Unmarshal(evt.Data, &meta) == nil && meta.Metadata.ExecutionID == target.ExecutionID {
					return
				}
			}
		}
	}, nil
}

func isFinish(t string) bool {
	return t == "workflow_finish" || t == "agent_finish" || t == "tool_finish"
}

func (f *Fake) GetExecution(ctx context.Context, executionID string) (*orchestrator.ExecutionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.executions[executionID]
	if !ok {
		return &orchestrator.ExecutionStatus{ExecutionID: executionID, Status: "unknown"}, nil
	}
	cp := *st
	return &cp, nil
}

func (f *Fake) CancelExecution(ctx context.Context, executionID string) error { return nil }

func (f *Fake) ConfirmCancellation(ctx context.Context, executionID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[executionID] = &orchestrator.ExecutionStatus{ExecutionID: executionID, Status: "cancelled"}
	return nil
}

func (f *Fake) ReportSuccess(ctx context.Context, executionID string, req orchestrator.ReportSuccessRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[executionID] = &orchestrator.ExecutionStatus{ExecutionID: executionID, Status: "succeeded", Result: req.Result}
	return nil
}

func (f *Fake) ReportFailure(ctx context.Context, executionID string, req orchestrator.ReportFailureRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[executionID] = &orchestrator.ExecutionStatus{ExecutionID: executionID, Status: "failed", Error: &req.Error}
	return nil
}

func (f *Fake) GetSessionMemory(ctx context.Context, sessionID string) (*orchestrator.SessionMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mem, ok := f.sessions[sessionID]
	if !ok {
		return &orchestrator.SessionMemory{}, nil
	}
	cp := mem
	return &cp, nil
}

func (f *Fake) PutSessionMemory(ctx context.Context, sessionID string, mem orchestrator.SessionMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = mem
	return nil
}

func (f *Fake) AddConversationHistory(ctx context.Context, sessionID string, messages []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[sessionID] = append(f.history[sessionID], messages...)
	return nil
}

func (f *Fake) GetConversationHistory(ctx context.Context, sessionID string, window int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[sessionID]
	if window > 0 && len(h) > window {
		h = h[len(h)-window:]
	}
	return append([]json.RawMessage(nil), h...), nil
}

func (f *Fake) GetActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.workerIDs))
	for id := range f.workerIDs {
		out[id] = struct{}{}
	}
	return out, nil
}

// ForceFail marks a step as permanently failed, independent of any live
// execution, for setting up failure-stickiness tests (testable property 2).
func (f *Fake) ForceFail(executionID, step, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepKey{executionID, step}] = orchestrator.StepRecord{
		Success: false,
		Error:   &orchestrator.StepError{Message: message},
	}
}

var _ orchestrator.Client = (*Fake)(nil)

// ErrNotFound is returned by helpers that look up a record the fake does
// not have, distinct from the orchestrator's own 404-as-nil convention.
var ErrNotFound = poloserr.New(poloserr.KindPermanent, "orchestratortest: not found")
