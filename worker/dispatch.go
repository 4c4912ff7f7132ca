package worker

import (
	"context"
	"time"

	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/step"
	"github.com/polosdev/polos-go/workflow"
)

// dispatch spawns the background task that runs one pushed execution
// through workflow.Invoke (spec.md §4.7: "atomic increment + background
// task spawn"). The caller has already reserved a semaphore slot.
func (rt *Runtime) dispatch(req executeRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	if req.RunTimeoutSeconds > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(req.RunTimeoutSeconds)*time.Second)
		outer := cancel
		cancel = func() {
			timeoutCancel()
			outer()
		}
	}

	rt.mu.Lock()
	rt.executions[req.ExecutionID] = &execution{cancel: cancel}
	rt.mu.Unlock()

	go rt.run(ctx, cancel, req)
}

func (rt *Runtime) run(ctx context.Context, cancel context.CancelFunc, req executeRequest) {
	defer func() {
		cancel()
		rt.mu.Lock()
		delete(rt.executions, req.ExecutionID)
		rt.mu.Unlock()
		if rt.sandboxMgr != nil {
			rt.sandboxMgr.OnExecutionComplete(context.Background(), req.ExecutionID)
		}
		<-rt.sem
	}()

	rec := workflow.InboundRecord{
		WorkflowID:        req.WorkflowID,
		ExecutionID:       req.ExecutionID,
		DeploymentID:      req.DeploymentID,
		ParentExecutionID: req.ParentExecutionID,
		RootWorkflowID:    req.RootWorkflowID,
		RootExecutionID:   req.RootExecutionID,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
		ConversationID:    req.ConversationID,
		RetryCount:        req.RetryCount,
		Traceparent:       req.Traceparent,
		PreviousSpanID:    req.PreviousSpanID,
		Payload:           req.Payload,
		InitialState:      req.InitialState,
	}

	outcome, err := workflow.Invoke(ctx, rt.registry, rt.client, rt.logger, rt.tracer, rec)

	if err != nil && step.IsWait(err) {
		// Suspended: SetWaiting was already recorded by the step
		// primitive that raised it. C8 reports nothing further
		// (spec.md §5: "WAIT is NOT cancellation").
		return
	}

	desc, lookupErr := rt.registry.Lookup(req.WorkflowID)
	var kind workflow.Kind
	if lookupErr == nil {
		kind = desc.Kind
	}

	if ctx.Err() != nil {
		rt.confirmCancellation(req, kind)
		return
	}

	rt.report(req, kind, outcome, err)
}

// confirmCancellation implements spec.md §5's cancellation pathway:
// emit a "{workflow|agent|tool}_cancel" event, then confirm with the
// orchestrator, reporting no other completion outcome.
func (rt *Runtime) confirmCancellation(req executeRequest, kind workflow.Kind) {
	ctx := context.Background()
	eventType := string(kind) + "_cancel"
	if kind == "" {
		eventType = "execution_cancel"
	}
	topic := "workflow/" + req.RootWorkflowID + "/" + req.RootExecutionID
	_, _ = rt.client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
		EventType: eventType,
		Data:      []byte(`{"execution_id":"` + req.ExecutionID + `"}`),
	}}, req.ExecutionID, req.RootExecutionID)
	if err := rt.client.ConfirmCancellation(ctx, req.ExecutionID, rt.workerID); err != nil {
		rt.logger.Warn(ctx, "worker: confirm_cancellation failed", "execution_id", req.ExecutionID, "error", err)
	}
}
