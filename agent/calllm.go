package agent

import (
	"fmt"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/guardrail"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/provider"
	"github.com/polosdev/polos-go/step"
)

// callLLM implements spec.md §4.4 step 3: resolve the provider, run the
// generation as a durable step, and retry against guardrails up to
// GuardrailMaxRetries before giving up.
func callLLM(ctx *execctx.Context, cfg *Config, st *loopState, n int) (provider.GenerateResponse, error) {
	p, err := cfg.Providers.Get(cfg.ProviderName)
	if err != nil {
		return provider.GenerateResponse{}, poloserr.Wrap(poloserr.KindPermanent, err, "agent %q", cfg.AgentID)
	}

	retries := cfg.GuardrailMaxRetries
	var lastReason string
	for attempt := 0; attempt <= retries; attempt++ {
		stepKey := fmt.Sprintf("agent.step_%d.generate", n)
		if attempt > 0 {
			stepKey = fmt.Sprintf("agent.step_%d.generate.retry_%d", n, attempt)
		}

		resp, err := step.Run[provider.GenerateResponse](ctx, cfg.Engine, stepKey, func(ctx *execctx.Context) (provider.GenerateResponse, error) {
			return p.Generate(ctx, buildRequest(cfg, st))
		})
		if err != nil {
			return provider.GenerateResponse{}, err
		}

		composite, err := runGuardrails(ctx, cfg, n, attempt, resp)
		if err != nil {
			return provider.GenerateResponse{}, err
		}
		if !composite.Failed {
			resp = applyModifications(resp, composite.Mods)
			return resp, nil
		}
		lastReason = composite.Result.Error
	}
	return provider.GenerateResponse{}, poloserr.New(poloserr.KindValidation, "agent %q: exhausted %d guardrail retries: %s", cfg.AgentID, retries, lastReason)
}

func buildRequest(cfg *Config, st *loopState) provider.GenerateRequest {
	tools := make([]provider.ToolSpec, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, t.spec())
	}
	req := provider.GenerateRequest{
		Messages:     st.messages,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Tools:        tools,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		TopP:         cfg.TopP,
	}
	if cfg.OutputSchema != nil {
		req.OutputSchema = cfg.OutputSchema
		req.OutputSchemaName = cfg.OutputSchemaName
	}
	return req
}

// runGuardrails evaluates cfg.Guardrails against the model's response
// (spec.md §4.5: guardrails share the executor with hooks). A string
// guardrail is represented as a Named callable whose Fn issues a nested
// structured-output LLM call returning {passed, reason}; callers build
// those via StringGuardrail.
func runGuardrails(ctx *execctx.Context, cfg *Config, n, attempt int, resp provider.GenerateResponse) (guardrail.Composite, error) {
	if len(cfg.Guardrails) == 0 {
		return guardrail.Composite{}, nil
	}
	groupName := fmt.Sprintf("agent.step_%d.guardrails.attempt_%d", n, attempt)
	return guardrail.Execute(ctx, cfg.Engine, groupName, cfg.Guardrails, resp)
}

func applyModifications(resp provider.GenerateResponse, mods guardrail.Modifications) provider.GenerateResponse {
	if mods.LLMContent != nil {
		resp.Content = *mods.LLMContent
	}
	if mods.LLMToolCalls != nil {
		var calls []provider.ToolCall
		if err := unmarshalInto(mods.LLMToolCalls, &calls); err == nil {
			resp.ToolCalls = calls
		}
	}
	return resp
}
