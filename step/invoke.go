package step

import (
	"encoding/json"
	"time"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/tracing"
)

// InvokeOptions carries the optional routing/queueing knobs every
// sub-workflow submission may set (spec.md §3 "submit_workflow request").
type InvokeOptions struct {
	QueueName             string
	QueueConcurrencyLimit int
	ConcurrencyKey        string
	BatchID               string
	SessionID             string
	UserID                string
	InitialState          json.RawMessage
	RunTimeoutSeconds     int
	Channel               *execctx.ChannelContext
}

func (o InvokeOptions) channel() *orchestrator.ChannelContext {
	if o.Channel == nil {
		return nil
	}
	return &orchestrator.ChannelContext{Channel: o.Channel.Channel, Binding: o.Channel.Binding}
}

func submitRequest(ctx *execctx.Context, workflowID string, payload json.RawMessage, stepKey string, waitForSub bool, opts InvokeOptions) orchestrator.SubmitWorkflowRequest {
	return orchestrator.SubmitWorkflowRequest{
		WorkflowID:            workflowID,
		Payload:               payload,
		DeploymentID:          ctx.Identity.DeploymentID,
		ParentExecutionID:     ctx.Identity.ExecutionID,
		RootExecutionID:       ctx.Identity.RootExecutionID,
		StepKey:               stepKey,
		QueueName:             opts.QueueName,
		QueueConcurrencyLimit: opts.QueueConcurrencyLimit,
		ConcurrencyKey:        opts.ConcurrencyKey,
		WaitForSubworkflow:    waitForSub,
		BatchID:               opts.BatchID,
		SessionID:             opts.SessionID,
		UserID:                opts.UserID,
		Traceparent:           tracing.Inject(ctx),
		InitialState:          opts.InitialState,
		RunTimeoutSeconds:     opts.RunTimeoutSeconds,
		Channel:               opts.channel(),
	}
}

// Invoke submits workflowID fire-and-forget, returning the new
// execution's ID without waiting for it to complete (spec.md §4.2
// "invoke").
func Invoke(ctx *execctx.Context, eng *Engine, stepKey, workflowID string, payload json.RawMessage, opts InvokeOptions) (string, error) {
	return runCycle[string](ctx, eng, stepKey, func() (string, error) {
		res, err := eng.Client.SubmitWorkflow(ctx, workflowID, submitRequest(ctx, workflowID, payload, stepKey, false, opts))
		if err != nil {
			return "", poloserr.Wrap(poloserr.KindTransient, err, "invoke %q: submit %s", stepKey, workflowID)
		}
		return res.ExecutionID, nil
	})
}

// InvokeAndWait submits workflowID with wait_for_subworkflow set so the
// orchestrator records the child's final result against stepKey, then
// blocks until it completes (spec.md §4.2 "invoke_and_wait"). On replay,
// it returns the recorded child output directly.
func InvokeAndWait[T any](ctx *execctx.Context, eng *Engine, stepKey, workflowID string, payload json.RawMessage, opts InvokeOptions) (T, error) {
	return runCycle[T](ctx, eng, stepKey, func() (T, error) {
		var zero T
		if _, err := eng.Client.SubmitWorkflow(ctx, workflowID, submitRequest(ctx, workflowID, payload, stepKey, true, opts)); err != nil {
			return zero, poloserr.Wrap(poloserr.KindTransient, err, "invoke_and_wait %q: submit %s", stepKey, workflowID)
		}
		return zero, &Wait{StepKey: stepKey, Reason: "subworkflow:" + workflowID}
	})
}

// BatchInput describes one child submission in a batch_invoke /
// batch_invoke_and_wait call (spec.md §4.2 "batch_invoke").
type BatchInput struct {
	WorkflowID string
	Payload    json.RawMessage
	Options    InvokeOptions
}

// BatchInvoke submits every input in a single orchestrator round-trip,
// fire-and-forget (spec.md §4.2 "batch_invoke").
func BatchInvoke(ctx *execctx.Context, eng *Engine, stepKey string, inputs []BatchInput) ([]string, error) {
	return runCycle[[]string](ctx, eng, stepKey, func() ([]string, error) {
		reqs := make([]orchestrator.SubmitWorkflowRequest, len(inputs))
		for i, in := range inputs {
			reqs[i] = submitRequest(ctx, in.WorkflowID, in.Payload, stepKey, false, in.Options)
		}
		if len(reqs) == 0 {
			return nil, nil
		}
		results, err := eng.Client.SubmitWorkflows(ctx, reqs[0].WorkflowID, reqs)
		if err != nil {
			return nil, poloserr.Wrap(poloserr.KindTransient, err, "batch_invoke %q", stepKey)
		}
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ExecutionID
		}
		return ids, nil
	})
}

// BatchInvokeAndWait submits every input atomically with
// wait_for_subworkflow set, then blocks until every child completes. The
// resulting step record holds one orchestrator.BatchChildResult per
// input, in submission order (spec.md §4.2 "batch_invoke_and_wait").
func BatchInvokeAndWait(ctx *execctx.Context, eng *Engine, stepKey string, inputs []BatchInput) ([]orchestrator.BatchChildResult, error) {
	return runCycle[[]orchestrator.BatchChildResult](ctx, eng, stepKey, func() ([]orchestrator.BatchChildResult, error) {
		reqs := make([]orchestrator.SubmitWorkflowRequest, len(inputs))
		for i, in := range inputs {
			reqs[i] = submitRequest(ctx, in.WorkflowID, in.Payload, stepKey, true, in.Options)
		}
		if len(reqs) == 0 {
			return nil, nil
		}
		if _, err := eng.Client.SubmitWorkflows(ctx, reqs[0].WorkflowID, reqs); err != nil {
			return nil, poloserr.Wrap(poloserr.KindTransient, err, "batch_invoke_and_wait %q", stepKey)
		}
		return nil, &Wait{StepKey: stepKey, Reason: "batch_subworkflow"}
	})
}

// AgentRunConfig is the conventional payload shape the agent_invoke*
// adapters build before delegating to the workflow primitives (spec.md
// §4.2 "agent_invoke, agent_invoke_and_wait, batch_agent_invoke,
// batch_agent_invoke_and_wait").
type AgentRunConfig struct {
	AgentID        string
	Input          json.RawMessage
	SessionID      string
	UserID         string
	ConversationID string
	Stream         bool
	Timeout        time.Duration
	InitialState   json.RawMessage
}

func (c AgentRunConfig) payload() (json.RawMessage, error) {
	return json.Marshal(struct {
		Input          json.RawMessage `json:"input,omitempty"`
		ConversationID string          `json:"conversation_id,omitempty"`
		Stream         bool            `json:"stream,omitempty"`
	}{Input: c.Input, ConversationID: c.ConversationID, Stream: c.Stream})
}

func (c AgentRunConfig) options() InvokeOptions {
	opts := InvokeOptions{
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		InitialState: c.InitialState,
	}
	if c.Timeout > 0 {
		opts.RunTimeoutSeconds = int(c.Timeout / time.Second)
	}
	return opts
}

// AgentInvoke submits an agent run fire-and-forget.
func AgentInvoke(ctx *execctx.Context, eng *Engine, stepKey string, cfg AgentRunConfig) (string, error) {
	payload, err := cfg.payload()
	if err != nil {
		return "", poloserr.New(poloserr.KindValidation, "agent_invoke %q: %v", stepKey, err)
	}
	return Invoke(ctx, eng, stepKey, cfg.AgentID, payload, cfg.options())
}

// AgentInvokeAndWait submits an agent run and blocks until it completes.
func AgentInvokeAndWait[T any](ctx *execctx.Context, eng *Engine, stepKey string, cfg AgentRunConfig) (T, error) {
	payload, err := cfg.payload()
	if err != nil {
		var zero T
		return zero, poloserr.New(poloserr.KindValidation, "agent_invoke_and_wait %q: %v", stepKey, err)
	}
	return InvokeAndWait[T](ctx, eng, stepKey, cfg.AgentID, payload, cfg.options())
}

// BatchAgentInvoke submits several agent runs fire-and-forget in one
// round-trip.
func BatchAgentInvoke(ctx *execctx.Context, eng *Engine, stepKey string, cfgs []AgentRunConfig) ([]string, error) {
	inputs := make([]BatchInput, len(cfgs))
	for i, cfg := range cfgs {
		payload, err := cfg.payload()
		if err != nil {
			return nil, poloserr.New(poloserr.KindValidation, "batch_agent_invoke %q[%d]: %v", stepKey, i, err)
		}
		inputs[i] = BatchInput{WorkflowID: cfg.AgentID, Payload: payload, Options: cfg.options()}
	}
	return BatchInvoke(ctx, eng, stepKey, inputs)
}

// BatchAgentInvokeAndWait submits several agent runs atomically and
// blocks until every one completes.
func BatchAgentInvokeAndWait(ctx *execctx.Context, eng *Engine, stepKey string, cfgs []AgentRunConfig) ([]orchestrator.BatchChildResult, error) {
	inputs := make([]BatchInput, len(cfgs))
	for i, cfg := range cfgs {
		payload, err := cfg.payload()
		if err != nil {
			return nil, poloserr.New(poloserr.KindValidation, "batch_agent_invoke_and_wait %q[%d]: %v", stepKey, i, err)
		}
		inputs[i] = BatchInput{WorkflowID: cfg.AgentID, Payload: payload, Options: cfg.options()}
	}
	return BatchInvokeAndWait(ctx, eng, stepKey, inputs)
}
