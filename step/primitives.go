package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/internal/backoffx"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
)

// RunOptions configures a single run() call.
type RunOptions struct {
	// Backoff overrides the engine default retry policy for this call.
	Backoff backoffx.Policy
}

// Run executes fn under step_key's memoization contract, retrying
// transient failures per opts.Backoff (or the engine default) before
// recording a final failure (spec.md §4.2 "run").
func Run[T any](ctx *execctx.Context, eng *Engine, stepKey string, fn func(ctx *execctx.Context) (T, error), opts ...RunOptions) (T, error) {
	backoff := eng.RunBackoff
	if len(opts) > 0 && opts[0].Backoff != (backoffx.Policy{}) {
		backoff = opts[0].Backoff
	}
	return runCycle[T](ctx, eng, stepKey, func() (T, error) {
		var result T
		err := backoff.Do(ctx, func(_ context.Context) error {
			var runErr error
			result, runErr = fn(ctx)
			return runErr
		})
		return result, err
	})
}

// WaitFor computes a target wall-clock time d from now and waits for it,
// sleeping in-process when d is within eng.InlineWaitThreshold and
// deferring to the orchestrator otherwise (spec.md §4.2 "wait_for").
func WaitFor(ctx *execctx.Context, eng *Engine, stepKey string, d time.Duration) error {
	if d <= 0 {
		return &poloserr.StepExecutionError{StepKey: stepKey, Message: "wait_for: duration must be strictly positive"}
	}
	return WaitUntil(ctx, eng, stepKey, time.Now().Add(d))
}

// WaitUntil waits until the given wall-clock time (spec.md §4.2
// "wait_until"). target must be strictly in the future.
func WaitUntil(ctx *execctx.Context, eng *Engine, stepKey string, target time.Time) error {
	_, err := runCycle[time.Time](ctx, eng, stepKey, func() (time.Time, error) {
		delay := time.Until(target)
		if delay <= 0 {
			return time.Time{}, &poloserr.StepExecutionError{StepKey: stepKey, Message: "wait_until: target must be in the future"}
		}
		if delay <= eng.InlineWaitThreshold {
			select {
			case <-ctx.Done():
				return time.Time{}, poloserr.Wrap(poloserr.KindCancellation, ctx.Err(), "wait_until %q: cancelled", stepKey)
			case <-time.After(delay):
			}
			return target, nil
		}
		if err := eng.Client.SetWaiting(ctx, ctx.Identity.ExecutionID, orchestrator.WaitRequest{
			WaitType:  orchestrator.WaitTime,
			WaitUntil: &target,
			StepKey:   stepKey,
		}); err != nil {
			return time.Time{}, poloserr.Wrap(poloserr.KindTransient, err, "wait_until %q: set waiting", stepKey)
		}
		return time.Time{}, &Wait{StepKey: stepKey, Reason: "time"}
	})
	return err
}

// WaitForEvent waits for a matching event published on topic, blocking
// the execution (spec.md §4.2 "wait_for_event"). timeout is optional; a
// zero value means no expiry.
func WaitForEvent[T any](ctx *execctx.Context, eng *Engine, stepKey, topic string, timeout time.Duration) (T, error) {
	return runCycle[T](ctx, eng, stepKey, func() (T, error) {
		var zero T
		var expiresAt *time.Time
		if timeout > 0 {
			t := time.Now().Add(timeout)
			expiresAt = &t
		}
		if err := eng.Client.SetWaiting(ctx, ctx.Identity.ExecutionID, orchestrator.WaitRequest{
			WaitType:  orchestrator.WaitEvent,
			WaitTopic: topic,
			StepKey:   stepKey,
			ExpiresAt: expiresAt,
		}); err != nil {
			return zero, poloserr.Wrap(poloserr.KindTransient, err, "wait_for_event %q: set waiting", stepKey)
		}
		return zero, &Wait{StepKey: stepKey, Reason: "event:" + topic}
	})
}

func workflowTopic(ctx *execctx.Context) string {
	return fmt.Sprintf("workflow/%s/%s", ctx.Identity.RootWorkflowID, ctx.Identity.RootExecutionID)
}

// PublishEvent publishes one event to topic and records a null step
// output (spec.md §4.2 "publish_event").
func PublishEvent(ctx *execctx.Context, eng *Engine, stepKey, topic string, data json.RawMessage, eventType string) error {
	_, err := runCycle[struct{}](ctx, eng, stepKey, func() (struct{}, error) {
		_, pubErr := eng.Client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
			EventType: eventType,
			Data:      data,
		}}, ctx.Identity.ExecutionID, ctx.Identity.RootExecutionID)
		if pubErr != nil {
			return struct{}{}, poloserr.Wrap(poloserr.KindTransient, pubErr, "publish_event %q", stepKey)
		}
		return struct{}{}, nil
	})
	return err
}

// PublishWorkflowEvent publishes to the canonical
// workflow/{root_workflow_id}/{root_execution_id} topic (spec.md §4.2
// "publish_workflow_event").
func PublishWorkflowEvent(ctx *execctx.Context, eng *Engine, stepKey string, data json.RawMessage, eventType string) error {
	return PublishEvent(ctx, eng, stepKey, workflowTopic(ctx), data, eventType)
}

// Suspend publishes a suspend_<step_key> event on the workflow topic,
// writes a suspend wait record, and raises Wait. The orchestrator
// resumes only on a resume_<step_key> event on the same topic (spec.md
// §4.2 "suspend").
func Suspend[T any](ctx *execctx.Context, eng *Engine, stepKey string, data json.RawMessage, timeout time.Duration) (T, error) {
	return runCycle[T](ctx, eng, stepKey, func() (T, error) {
		var zero T
		topic := workflowTopic(ctx)
		eventType := "suspend_" + stepKey
		if _, err := eng.Client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
			EventType: eventType,
			Data:      data,
		}}, ctx.Identity.ExecutionID, ctx.Identity.RootExecutionID); err != nil {
			return zero, poloserr.Wrap(poloserr.KindTransient, err, "suspend %q: publish", stepKey)
		}
		var expiresAt *time.Time
		if timeout > 0 {
			t := time.Now().Add(timeout)
			expiresAt = &t
		}
		if err := eng.Client.SetWaiting(ctx, ctx.Identity.ExecutionID, orchestrator.WaitRequest{
			WaitType:  orchestrator.WaitSuspend,
			WaitTopic: topic,
			StepKey:   stepKey,
			ExpiresAt: expiresAt,
		}); err != nil {
			return zero, poloserr.Wrap(poloserr.KindTransient, err, "suspend %q: set waiting", stepKey)
		}
		return zero, &Wait{StepKey: stepKey, Reason: "suspend:" + stepKey}
	})
}

// Resume publishes the resume_<suspend_step_key> event on behalf of
// another actor, waking a suspended execution (spec.md §4.2 "resume").
func Resume(ctx *execctx.Context, eng *Engine, stepKey, suspendStepKey, suspendExecutionID, suspendWorkflowID string, data json.RawMessage) error {
	_, err := runCycle[struct{}](ctx, eng, stepKey, func() (struct{}, error) {
		topic := fmt.Sprintf("workflow/%s/%s", suspendWorkflowID, suspendExecutionID)
		eventType := "resume_" + suspendStepKey
		if _, pubErr := eng.Client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
			EventType: eventType,
			Data:      data,
		}}, ctx.Identity.ExecutionID, ctx.Identity.RootExecutionID); pubErr != nil {
			return struct{}{}, poloserr.Wrap(poloserr.KindTransient, pubErr, "resume %q", stepKey)
		}
		return struct{}{}, nil
	})
	return err
}

// Trace runs fn as a child span named name, recording success or the
// returned error, and restores the prior current span on exit (spec.md
// §4.2 "trace"). Unlike the other primitives, Trace is not memoized —
// it is a telemetry scope, not a durable step.
func Trace[T any](ctx *execctx.Context, name string, attrs map[string]any, fn func(ctx *execctx.Context) (T, error)) (T, error) {
	if ctx.Tracer == nil {
		return fn(ctx)
	}
	spanCtx, span := ctx.Tracer.Start(ctx, name)
	for k, v := range attrs {
		span.AddEvent("attribute", "key", k, "value", v)
	}
	prevSpan, prevSC := ctx.CurrentSpan(), ctx.SpanContext()
	child := ctx.WithContext(spanCtx)
	child.PushSpan(span, trace.SpanContextFromContext(spanCtx))
	defer func() {
		child.PushSpan(prevSpan, prevSC)
		span.End()
	}()

	result, err := fn(child)
	if err != nil && !IsWait(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}
