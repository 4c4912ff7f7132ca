package agent

import (
	"encoding/json"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/provider"
	"github.com/polosdev/polos-go/schema"
	"github.com/polosdev/polos-go/step"
)

// stopOutcome is the durable record one stop-condition step produces.
type stopOutcome struct {
	Stop   bool   `json:"stop"`
	Reason string `json:"reason,omitempty"`
}

func runStopStep(ctx *execctx.Context, cfg *Config, stepKey string, st *loopState, n int, cond StopCondition) (bool, string, error) {
	out, err := step.Run[stopOutcome](ctx, cfg.Engine, stepKey, func(ctx *execctx.Context) (stopOutcome, error) {
		stop, reason := cond.Eval(st, n)
		return stopOutcome{Stop: stop, Reason: reason}, nil
	})
	if err != nil {
		return false, "", err
	}
	return out.Stop, out.Reason, nil
}

// finish implements spec.md §4.4 steps 7-8: validate structured output
// (with one corrective retry), persist session memory, and build the
// final AgentResult.
func finish(ctx *execctx.Context, cfg *Config, st *loopState, reason string) (any, error) {
	result, err := validateOutput(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	if err := persistSessionMemory(ctx, cfg, st); err != nil {
		return nil, err
	}

	agentRunID, err := step.UUID(ctx, cfg.Engine, "agent.run_id")
	if err != nil {
		return nil, err
	}

	return Result{
		AgentRunID:       agentRunID,
		ConversationID:   st.conversationID,
		Result:           result,
		ResultSchemaName: cfg.OutputSchemaName,
		ToolResults:      st.toolResults,
		TotalSteps:       len(st.steps),
		Usage:            st.usage,
	}, nil
}

// validateOutput implements spec.md §4.4 step 7's structured-output
// retry rule: on the first validation failure, issue exactly one more
// CALL_LLM attempt with a corrective instruction; a second failure fails
// the agent outright.
func validateOutput(ctx *execctx.Context, cfg *Config, st *loopState) (json.RawMessage, error) {
	if cfg.OutputSchema == nil {
		if st.lastContent == "" {
			return nil, nil
		}
		return json.Marshal(st.lastContent)
	}

	compiled, err := schema.CompileFromBytes("agent_output_schema.json", cfg.OutputSchema)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "agent %q: compile output schema", cfg.AgentID)
	}
	matches := func(raw []byte) bool {
		var doc any
		return json.Unmarshal(raw, &doc) == nil && compiled.Validate(doc) == nil
	}

	raw := []byte(st.lastContent)
	if matches(raw) {
		return raw, nil
	}

	n := len(st.steps) + 1
	retryReq := buildRequest(cfg, st)
	retryReq.SystemPrompt = provider.MergeSystemPrompt(retryReq.SystemPrompt,
		provider.StructuredOutputInstruction(cfg.OutputSchemaName, cfg.OutputSchema)+
			"\n\nYour previous response did not match this schema; respond again with only the corrected JSON object.")

	p, err := cfg.Providers.Get(cfg.ProviderName)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindPermanent, err, "agent %q", cfg.AgentID)
	}
	stepKey := "agent.output_retry.generate"
	resp, err := step.Run[provider.GenerateResponse](ctx, cfg.Engine, stepKey, func(ctx *execctx.Context) (provider.GenerateResponse, error) {
		return p.Generate(ctx, retryReq)
	})
	if err != nil {
		return nil, err
	}
	st.steps = append(st.steps, Step{N: n, Content: resp.Content, Usage: resp.Usage, RawOutput: resp.RawOutput})
	st.usage = addUsage(st.usage, resp.Usage)

	retryRaw := []byte(resp.Content)
	if !matches(retryRaw) {
		return nil, poloserr.New(poloserr.KindValidation, "agent %q: output failed schema validation after one corrective retry", cfg.AgentID)
	}
	return retryRaw, nil
}

// persistSessionMemory implements spec.md §4.4 step 8: append this run's
// messages to the session record, bounded by the configured window.
func persistSessionMemory(ctx *execctx.Context, cfg *Config, st *loopState) error {
	if !cfg.SessionMemory.Enabled || ctx.Identity.SessionID == "" {
		return nil
	}
	_, err := step.Run[struct{}](ctx, cfg.Engine, "agent.session_memory.save", func(ctx *execctx.Context) (struct{}, error) {
		messages := st.messages
		if cfg.SessionMemory.Window > 0 && len(messages) > cfg.SessionMemory.Window {
			messages = messages[len(messages)-cfg.SessionMemory.Window:]
		}
		raw := make([]json.RawMessage, 0, len(messages))
		for _, m := range messages {
			b, err := json.Marshal(m)
			if err != nil {
				return struct{}{}, poloserr.Wrap(poloserr.KindValidation, err, "agent %q: marshal session memory entry", cfg.AgentID)
			}
			raw = append(raw, b)
		}
		return struct{}{}, cfg.Engine.Client.PutSessionMemory(ctx, ctx.Identity.SessionID, orchestrator.SessionMemory{Messages: raw})
	})
	return err
}

func unmarshalInto(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
