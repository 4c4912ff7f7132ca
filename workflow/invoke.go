package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/step"
	"github.com/polosdev/polos-go/telemetry"
	"github.com/polosdev/polos-go/tracing"
)

// InboundRecord is the execute request C8 hands to the workflow core,
// assembled from the orchestrator's push payload (spec.md §4.3 step 1).
type InboundRecord struct {
	WorkflowID        string
	ExecutionID       string
	DeploymentID      string
	ParentExecutionID string
	RootWorkflowID    string
	RootExecutionID   string
	SessionID         string
	UserID            string
	ConversationID    string
	RetryCount        int
	Traceparent       string
	PreviousSpanID    string
	Payload           json.RawMessage
	InitialState      json.RawMessage
}

// Outcome is the resolved result of one invocation, returned to C8
// (spec.md §4.3 step 5: "return (result, final_state) to C8").
type Outcome struct {
	Result     json.RawMessage
	ResultName string
	FinalState json.RawMessage
}

// Invoke runs the unit named by rec.WorkflowID through the full
// lifecycle described by spec.md §4.3: context construction, root span,
// payload conversion, on_start hooks (which receive the converted
// payload, not the raw one), the handler, on_end hooks, and outcome
// classification. A returned *step.Wait means the execution
// paused; C8 must report nothing in that case.
func Invoke(parent context.Context, reg *Registry, client orchestrator.Client, logger telemetry.Logger, tracer telemetry.Tracer, rec InboundRecord) (Outcome, error) {
	desc, err := reg.Lookup(rec.WorkflowID)
	if err != nil {
		return Outcome{}, err
	}

	// Step 1: build state and the execution context.
	state, err := reg.buildState(desc, rec.InitialState)
	if err != nil {
		return Outcome{}, err
	}
	identity := execctx.Identity{
		WorkflowID:        rec.WorkflowID,
		ExecutionID:       rec.ExecutionID,
		DeploymentID:      rec.DeploymentID,
		ParentExecutionID: rec.ParentExecutionID,
		RootWorkflowID:    rec.RootWorkflowID,
		RootExecutionID:   rec.RootExecutionID,
		SessionID:         rec.SessionID,
		UserID:            rec.UserID,
		ConversationID:    rec.ConversationID,
		RetryCount:        rec.RetryCount,
		Traceparent:       rec.Traceparent,
		PreviousSpanID:    rec.PreviousSpanID,
	}

	// Step 2: open the root span with the deterministic/inherited trace,
	// attach it as current, publish the *_start event, run on_start.
	baseCtx := parent
	if rec.ParentExecutionID == "" {
		baseCtx = tracing.RootContext(parent, rec.RootExecutionID)
	} else if rec.Traceparent != "" {
		baseCtx = tracing.ExtractRemote(rec.Traceparent)
	}

	var spanCtx context.Context
	var span telemetry.Span
	if tracer != nil {
		spanCtx, span = tracer.Start(baseCtx, string(desc.Kind)+":"+desc.ID)
	} else {
		spanCtx, span = baseCtx, telemetry.NewNoopSpan()
	}

	ctx := execctx.New(spanCtx, identity, state, logger, tracer)
	ctx.PushSpan(span, span.SpanContext())
	defer span.End()

	if err := client.UpdateOtelSpanID(ctx, rec.ExecutionID, span.SpanContext().SpanID().String()); err != nil && logger != nil {
		logger.Warn(ctx, "workflow: failed to record span id", "execution_id", rec.ExecutionID, "error", err)
	}

	startPayload, _ := json.Marshal(map[string]string{"execution_id": rec.ExecutionID, "workflow_id": rec.WorkflowID})
	publishLifecycle(ctx, client, eventName(desc.Kind, "start"), startPayload)

	payload, err := reg.decodePayload(desc, rec.Payload)
	if err != nil {
		return failOutcome(ctx, span, err)
	}
	for _, hook := range desc.OnStart {
		payload, err = hook(ctx, payload)
		if err != nil {
			return failOutcome(ctx, span, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: on_start hook", desc.ID))
		}
	}

	// Step 4: invoke the handler.
	result, err := desc.Handler(ctx, payload)
	if err != nil {
		if step.IsWait(err) {
			span.AddEvent("waiting")
			span.SetStatus(codes.Unset, "waiting")
			return Outcome{}, err
		}
		return failOutcome(ctx, span, err)
	}

	for _, hook := range desc.OnEnd {
		result, err = hook(ctx, result)
		if err != nil {
			return failOutcome(ctx, span, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: on_end hook", desc.ID))
		}
	}

	resultRaw, resultName, err := reg.marshalResult(desc, result)
	if err != nil {
		return failOutcome(ctx, span, err)
	}
	finalState, err := ctx.MarshalState()
	if err != nil {
		return failOutcome(ctx, span, err)
	}

	finishPayload, _ := json.Marshal(map[string]string{"execution_id": rec.ExecutionID})
	publishLifecycle(ctx, client, eventName(desc.Kind, "finish"), finishPayload)

	span.SetStatus(codes.Ok, "")
	return Outcome{Result: resultRaw, ResultName: resultName, FinalState: finalState}, nil
}

func failOutcome(ctx *execctx.Context, span telemetry.Span, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	finalState, _ := ctx.MarshalState()
	return Outcome{FinalState: finalState}, err
}

func publishLifecycle(ctx *execctx.Context, client orchestrator.Client, eventType string, data json.RawMessage) {
	topic := fmt.Sprintf("workflow/%s/%s", ctx.Identity.RootWorkflowID, ctx.Identity.RootExecutionID)
	if _, err := client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
		EventType: eventType,
		Data:      data,
	}}, ctx.Identity.ExecutionID, ctx.Identity.RootExecutionID); err != nil && ctx.Logger != nil {
		ctx.Logger.Warn(ctx, "workflow: failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}
