// Package step implements the durable primitives exposed to workflow,
// agent, and tool handlers (spec.md §2 component C3, §4.2). Every
// primitive follows the same ask/execute/record contract against the
// orchestrator client: replay returns a memoized outcome without
// re-running side effects; a fresh call executes the work and persists
// it before returning.
package step

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/internal/backoffx"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/schema"
	"github.com/polosdev/polos-go/serialize"
)

// Wait is the typed pause signal raised when a primitive enters a long
// wait, a suspend, or a blocking sub-workflow invocation (spec.md §4.2
// point 4: "Any uncaught WAIT signal propagates upward unchanged"). It is
// an ordinary error value rather than a panic/exception, per the Go
// rendering of the source runtime's exception-based suspension.
type Wait struct {
	StepKey string
	Reason  string
}

func (w *Wait) Error() string {
	return fmt.Sprintf("step %q: execution suspended (%s)", w.StepKey, w.Reason)
}

// IsWait reports whether err is (or wraps) a *Wait signal.
func IsWait(err error) bool {
	var w *Wait
	return errors.As(err, &w)
}

// Engine holds the dependencies every durable primitive needs: the
// orchestrator client for memoization/recording, the schema registry for
// typed reconstruction, and the retry/threshold defaults spec.md assigns
// to run and wait_for.
type Engine struct {
	Client  orchestrator.Client
	Schemas *schema.Registry

	// RunBackoff is the default retry policy for run() (spec.md §4.2:
	// "defaults: 2 retries, base 1s, cap 10s").
	RunBackoff backoffx.Policy
	// InlineWaitThreshold is the longest wait_for/wait_until delay slept
	// in-process rather than handed to the orchestrator (spec.md §4.2:
	// "default 10s").
	InlineWaitThreshold time.Duration
}

// NewEngine constructs an Engine with spec.md's mandated defaults.
func NewEngine(client orchestrator.Client, schemas *schema.Registry) *Engine {
	return &Engine{
		Client:  client,
		Schemas: schemas,
		RunBackoff: backoffx.Policy{
			MaxAttempts: 3, // 2 retries + the initial attempt
			Base:        time.Second,
			Cap:         10 * time.Second,
		},
		InlineWaitThreshold: 10 * time.Second,
	}
}

// marshalOutput serializes v for persistence, tagging its schema name
// when v implements serialize.TypedValue.
func marshalOutput(v any) (json.RawMessage, string, error) {
	if v == nil {
		return json.RawMessage("null"), "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", poloserr.New(poloserr.KindValidation, "step: output is not JSON-serializable: %v", err)
	}
	schemaName := ""
	if tv, ok := v.(serialize.TypedValue); ok {
		schemaName = tv.SchemaName()
	}
	return raw, schemaName, nil
}

// unmarshalOutput decodes a recorded step output back into T, preferring
// the schema registry (for cross-cut dynamic types) and falling back to
// direct JSON decoding into T.
func unmarshalOutput[T any](raw json.RawMessage, schemaName string, registry *schema.Registry) (T, error) {
	var zero T
	if len(raw) == 0 || string(raw) == "null" {
		return zero, nil
	}
	if schemaName != "" && registry != nil {
		if decoded, err := registry.Decode(schemaName, raw); err == nil {
			if t, ok := decoded.(T); ok {
				return t, nil
			}
		}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, poloserr.Wrap(poloserr.KindValidation, err, "step: decode recorded output")
	}
	return out, nil
}

// publishFireAndForget publishes a step lifecycle event, logging but
// ignoring failures (spec.md §4.2 point 3: "fire-and-forget").
func publishFireAndForget(ctx *execctx.Context, eng *Engine, stepKey, eventType string, data json.RawMessage) {
	topic := fmt.Sprintf("workflow/%s/%s", ctx.Identity.RootWorkflowID, ctx.Identity.RootExecutionID)
	_, err := eng.Client.PublishEvents(ctx, topic, []orchestrator.PublishEventInput{{
		EventType: eventType,
		Data:      data,
	}}, ctx.Identity.ExecutionID, ctx.Identity.RootExecutionID)
	if err != nil && ctx.Logger != nil {
		ctx.Logger.Warn(ctx, "step: failed to publish lifecycle event", "step_key", stepKey, "event_type", eventType, "error", err)
	}
}

// runCycle executes the ask/execute/record contract shared by every durable
// primitive (spec.md §4.2 "General contract for every primitive").
// execute is invoked only on a cache miss; its returned Wait error (if
// any) propagates without being recorded.
func runCycle[T any](ctx *execctx.Context, eng *Engine, stepKey string, execute func() (T, error)) (T, error) {
	var zero T

	rec, err := eng.Client.GetStepOutput(ctx, ctx.Identity.ExecutionID, stepKey)
	if err != nil {
		return zero, poloserr.Wrap(poloserr.KindTransient, err, "step %q: lookup recorded output", stepKey)
	}
	if rec != nil {
		if rec.Success {
			return unmarshalOutput[T](rec.Outputs, rec.OutputSchemaName, eng.Schemas)
		}
		msg, typ := "", ""
		if rec.Error != nil {
			msg, typ = rec.Error.Message, rec.Error.Type
		}
		return zero, &poloserr.StepExecutionError{StepKey: stepKey, Message: msg, Type: typ}
	}

	startPayload, _ := json.Marshal(map[string]string{"step_key": stepKey})
	publishFireAndForget(ctx, eng, stepKey, "step_start", startPayload)

	value, execErr := execute()
	if execErr != nil {
		if IsWait(execErr) {
			return zero, execErr
		}
		recordErr := eng.Client.PutStepOutput(ctx, ctx.Identity.ExecutionID, stepKey, orchestrator.PutStepOutputRequest{
			Success: false,
			Error:   &orchestrator.StepError{Message: execErr.Error()},
		})
		if recordErr != nil && ctx.Logger != nil {
			ctx.Logger.Error(ctx, "step: failed to record step failure", "step_key", stepKey, "error", recordErr)
		}
		return zero, execErr
	}

	raw, schemaName, marshalErr := marshalOutput(value)
	if marshalErr != nil {
		return zero, marshalErr
	}
	if err := eng.Client.PutStepOutput(ctx, ctx.Identity.ExecutionID, stepKey, orchestrator.PutStepOutputRequest{
		Success:          true,
		Outputs:          raw,
		OutputSchemaName: schemaName,
	}); err != nil {
		return zero, poloserr.Wrap(poloserr.KindTransient, err, "step %q: record output", stepKey)
	}
	finishPayload, _ := json.Marshal(map[string]string{"step_key": stepKey})
	publishFireAndForget(ctx, eng, stepKey, "step_finish", finishPayload)
	return value, nil
}

// deterministicValue implements uuid/now/random: first call generates
// and persists a value; every replay returns the persisted one unchanged
// (spec.md §4.2 "Deterministic under replay").
func deterministicValue[T any](ctx *execctx.Context, eng *Engine, stepKey string, generate func() T) (T, error) {
	return runCycle[T](ctx, eng, stepKey, func() (T, error) {
		return generate(), nil
	})
}

// UUID returns a deterministic, replay-stable random UUID string.
func UUID(ctx *execctx.Context, eng *Engine, stepKey string) (string, error) {
	return deterministicValue(ctx, eng, stepKey, func() string { return uuid.NewString() })
}

// Now returns a deterministic, replay-stable wall-clock timestamp.
func Now(ctx *execctx.Context, eng *Engine, stepKey string) (time.Time, error) {
	return deterministicValue(ctx, eng, stepKey, time.Now)
}

// Random returns a deterministic, replay-stable float in [0, 1).
func Random(ctx *execctx.Context, eng *Engine, stepKey string) (float64, error) {
	return deterministicValue(ctx, eng, stepKey, func() float64 {
		id := uuid.New()
		bits := binary.BigEndian.Uint64(id[:8])
		return float64(bits>>11) / (1 << 53)
	})
}
