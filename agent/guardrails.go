package agent

import (
	"encoding/json"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/guardrail"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/provider"
)

// stringGuardrailResult is the structured shape a string guardrail's
// nested judge call is asked to produce.
type stringGuardrailResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

var stringGuardrailSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"passed": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["passed"]
}`)

// StringGuardrail turns a natural-language instruction into a
// guardrail.Named callable: it issues a nested structured-output LLM
// call asking the judge model whether the candidate response satisfies
// the instruction, and fails the group when it doesn't (spec.md §4.5:
// "a string guardrail is evaluated by a nested LLM call constrained to
// {passed, reason}").
func StringGuardrail(id, instruction string, providers *provider.Registry, providerName, judgeModel string) guardrail.Named {
	return guardrail.Named{
		ID: id,
		Fn: func(ctx *execctx.Context, state any) (guardrail.Result, error) {
			resp, ok := state.(provider.GenerateResponse)
			if !ok {
				return guardrail.Result{Verdict: guardrail.Fail, Error: "string guardrail: unsupported state type"}, nil
			}
			p, err := providers.Get(providerName)
			if err != nil {
				return guardrail.Result{}, poloserr.Wrap(poloserr.KindPermanent, err, "string guardrail %q", id)
			}

			req := provider.GenerateRequest{
				Messages: []provider.HistoryEntry{{
					Type: provider.EntryMessage, Role: "user",
					Content: "Candidate response:\n" + resp.Content,
				}},
				Model:            judgeModel,
				SystemPrompt:     instruction,
				MaxTokens:        512,
				OutputSchema:     stringGuardrailSchema,
				OutputSchemaName: "string_guardrail_result",
			}
			judged, err := p.Generate(ctx, req)
			if err != nil {
				return guardrail.Result{}, poloserr.Wrap(poloserr.KindTransient, err, "string guardrail %q: judge call", id)
			}
			var out stringGuardrailResult
			if err := json.Unmarshal([]byte(judged.Content), &out); err != nil {
				return guardrail.Result{Verdict: guardrail.Fail, Error: "string guardrail: judge returned unparseable output"}, nil
			}
			if !out.Passed {
				return guardrail.Result{Verdict: guardrail.Fail, Error: out.Reason}, nil
			}
			return guardrail.Result{Verdict: guardrail.Continue}, nil
		},
	}
}
