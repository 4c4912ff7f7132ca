// Package execctx implements the per-execution context passed to every
// user handler (spec.md §2 component C2, §3 "Execution context"). A
// Context bundles the execution's immutable identity with a mutable
// typed state value and the scoped resources (sandbox reference, cancel
// signal, channel bindings, current span) that live for the execution's
// duration.
package execctx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/telemetry"
)

// ChannelContext mirrors orchestrator.ChannelContext without importing the
// orchestrator package, keeping execctx free of an HTTP-client dependency.
type ChannelContext struct {
	Channel string
	Binding map[string]string
}

// Identity is the immutable half of an execution context (spec.md §3
// "Execution context: Immutable").
type Identity struct {
	WorkflowID        string
	ExecutionID       string
	DeploymentID      string
	ParentExecutionID string
	RootWorkflowID    string
	RootExecutionID   string
	SessionID         string
	UserID            string
	ConversationID    string
	CreatedAt         time.Time
	RetryCount        int
	Traceparent       string
	PreviousSpanID    string
}

// SandboxHandle is the narrow surface execctx needs from the sandbox
// manager, avoiding an import cycle between execctx and sandbox.
type SandboxHandle interface {
	ExecutionID() string
	SessionID() string
}

// mutable holds every field a Context derivation (WithContext) shares
// with its parent and siblings, so a state/span mutation made inside a
// traced block or a per-step timeout is visible to the rest of the
// execution rather than lost with the derived copy.
type mutable struct {
	mu      sync.Mutex
	state   any
	sandbox SandboxHandle
	channel *ChannelContext
	span    telemetry.Span
	spanCtx trace.SpanContext
}

// Context is passed to every workflow, agent, and tool handler. The
// embedded context.Context carries cancellation and deadline; Identity is
// read-only; State, Sandbox, and Channel are the mutable/scoped facets,
// shared across every Context derived from the same execution via
// WithContext.
type Context struct {
	context.Context

	Identity Identity
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer

	m *mutable
}

// New constructs a root Context. initialState is the already-decoded
// typed state value (workflow.buildState handles schema reconstruction
// and defaulting before calling New).
func New(parent context.Context, id Identity, initialState any, logger telemetry.Logger, tracer telemetry.Tracer) *Context {
	return &Context{
		Context:  parent,
		Identity: id,
		Logger:   logger,
		Tracer:   tracer,
		m:        &mutable{state: initialState},
	}
}

// State returns the current mutable workflow state value.
func (c *Context) State() any {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.state
}

// SetState replaces the mutable workflow state value, e.g. after a
// guardrail or hook mutates it.
func (c *Context) SetState(v any) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.state = v
}

// MarshalState serializes the current state to JSON for persistence
// (final_state on completion, or a span attribute).
func (c *Context) MarshalState() (json.RawMessage, error) {
	v := c.State()
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, poloserr.New(poloserr.KindValidation, "execctx: state is not JSON-serializable: %v", err)
	}
	return raw, nil
}

// Sandbox returns the execution's bound sandbox handle, or nil if none
// has been attached (sandboxes are attached lazily on first tool use).
func (c *Context) Sandbox() SandboxHandle {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.sandbox
}

// SetSandbox attaches a sandbox handle to the execution. Called once by
// the sandbox manager's get-or-create path.
func (c *Context) SetSandbox(h SandboxHandle) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.sandbox = h
}

// Channel returns the inbound channel binding, if the execution was
// submitted with one.
func (c *Context) Channel() *ChannelContext {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.channel
}

// SetChannel attaches channel-binding metadata to the execution.
func (c *Context) SetChannel(ch *ChannelContext) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.channel = ch
}

// CurrentSpan returns the span most recently pushed by Tracer.Start
// through PushSpan, or a nil Span if none is active.
func (c *Context) CurrentSpan() telemetry.Span {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.span
}

// PushSpan records span as the execution's current span, returning the
// previous one so callers can restore it on block exit (step.Trace does
// this around user-supplied blocks).
func (c *Context) PushSpan(span telemetry.Span, sc trace.SpanContext) telemetry.Span {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	prev := c.m.span
	c.m.span = span
	c.m.spanCtx = sc
	return prev
}

// SpanContext returns the span context of the current span, or a zero
// value if none is active.
func (c *Context) SpanContext() trace.SpanContext {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.spanCtx
}

// WithContext returns a derived Context whose embedded context.Context is
// replaced (e.g. to attach a per-step timeout) while State, Sandbox,
// Channel, and the current span remain shared with c — mutations made
// through the derived Context are visible through c and vice versa.
func (c *Context) WithContext(ctx context.Context) *Context {
	return &Context{
		Context:  ctx,
		Identity: c.Identity,
		Logger:   c.Logger,
		Tracer:   c.Tracer,
		m:        c.m,
	}
}
