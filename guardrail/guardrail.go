// Package guardrail implements the sequential, durable execution of
// user-supplied validation/interception callables shared by hooks and
// guardrails (spec.md §2 component C6, §4.5). Both "execute_hooks" and
// "execute_guardrails" are the same Execute call with a different group
// name and callable list.
package guardrail

import (
	"encoding/json"
	"fmt"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/step"
)

// Verdict is the tagged-union outcome of one callable (spec.md §4.5:
// "tagged-union type {CONTINUE, FAIL}").
type Verdict string

const (
	Continue Verdict = "continue"
	Fail     Verdict = "fail"
)

// Modifications accumulates the changes one callable makes to the
// shared, threaded-through subject (spec.md §4.5: "optional modifications
// to payload, output, LLM content, LLM tool calls, or LLM config").
type Modifications struct {
	Payload      json.RawMessage `json:"payload,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	LLMContent   *string         `json:"llm_content,omitempty"`
	LLMToolCalls json.RawMessage `json:"llm_tool_calls,omitempty"`
	LLMConfig    map[string]any  `json:"llm_config,omitempty"`
}

// merge layers incoming modifications over the receiver, last-write-wins
// per field (LLMConfig is merged key by key). Execute accumulates the
// merged result into Composite.Mods; it does not apply it to the state
// the next callable receives.
func (m Modifications) merge(next Modifications) Modifications {
	out := m
	if next.Payload != nil {
		out.Payload = next.Payload
	}
	if next.Output != nil {
		out.Output = next.Output
	}
	if next.LLMContent != nil {
		out.LLMContent = next.LLMContent
	}
	if next.LLMToolCalls != nil {
		out.LLMToolCalls = next.LLMToolCalls
	}
	if next.LLMConfig != nil {
		if out.LLMConfig == nil {
			out.LLMConfig = map[string]any{}
		}
		for k, v := range next.LLMConfig {
			out.LLMConfig[k] = v
		}
	}
	return out
}

// Result is one callable's verdict plus any accumulated modifications.
type Result struct {
	Verdict Verdict
	Error   string
	Mods    Modifications
}

func (r Result) valid() bool {
	return r.Verdict == Continue || r.Verdict == Fail
}

// Func is a single hook or guardrail callable. state is the
// group-specific context value (hook_ctx or guardrail context + optional
// agent config) threaded through every callable in the group.
type Func func(ctx *execctx.Context, state any) (Result, error)

// Named pairs a callable with the stable ID used to build its step key.
type Named struct {
	ID string
	Fn Func
}

// Composite is the outcome of running a whole group: the final merged
// modifications and, if any callable failed, the failure result.
type Composite struct {
	Mods   Modifications
	Failed bool
	Result Result
}

// Execute runs fns in order against groupName, each as its own durable
// run() step keyed "<group_name>.<fn_id>.<index>" (spec.md §4.5). state
// is passed to every callable unmodified; callers that need modifications
// to affect the next callable's view should fold Composite.Mods into
// state themselves between groups, since Modifications describe intent
// (payload/output/LLM fields) rather than a generic state replacement.
func Execute(ctx *execctx.Context, eng *step.Engine, groupName string, fns []Named, state any) (Composite, error) {
	var acc Modifications
	for i, named := range fns {
		stepKey := fmt.Sprintf("%s.%s.%d", groupName, named.ID, i)
		result, err := step.Run[Result](ctx, eng, stepKey, func(ctx *execctx.Context) (Result, error) {
			return named.Fn(ctx, state)
		})
		if err != nil {
			return Composite{Mods: acc}, err
		}
		if !result.valid() {
			result = Result{Verdict: Fail, Error: fmt.Sprintf("guardrail %q: invalid result type", named.ID)}
		}
		acc = acc.merge(result.Mods)
		if result.Verdict == Fail {
			return Composite{Mods: acc, Failed: true, Result: result}, nil
		}
	}
	return Composite{Mods: acc}, nil
}
