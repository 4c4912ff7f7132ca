package agent

import (
	"encoding/json"
	"fmt"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/guardrail"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/provider"
	"github.com/polosdev/polos-go/step"
)

// executeTools implements spec.md §4.4 step 4: resolve each requested
// tool call against cfg.Tools, run on_tool_start/on_tool_end hooks, and
// submit the whole batch as one durable batch_invoke_and_wait call keyed
// "execute_tools:step_{n}".
func executeTools(ctx *execctx.Context, cfg *Config, st *loopState, n int, resp provider.GenerateResponse) error {
	bindings := make(map[string]ToolBinding, len(cfg.Tools))
	for _, t := range cfg.Tools {
		bindings[t.Name] = t
	}

	inputs := make([]step.BatchInput, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		binding, ok := bindings[call.Function.Name]
		if !ok {
			return poloserr.New(poloserr.KindValidation, "agent %q: tool call %q: no binding registered", cfg.AgentID, call.Function.Name)
		}

		args := parseToolArguments(call.Function.Arguments)
		if _, err := runToolHooks(ctx, cfg.Engine, cfg.OnToolStart, "on_tool_start", n, call, args); err != nil {
			return err
		}

		payload, err := json.Marshal(args)
		if err != nil {
			return poloserr.Wrap(poloserr.KindValidation, err, "agent %q: marshal tool call %q arguments", cfg.AgentID, call.Function.Name)
		}
		inputs = append(inputs, step.BatchInput{WorkflowID: binding.ID, Payload: payload})
	}

	st.messages = append(st.messages, provider.HistoryEntry{Type: provider.EntryMessage, Role: "assistant", Content: resp.Content})
	for _, call := range resp.ToolCalls {
		st.messages = append(st.messages, provider.HistoryEntry{
			Type: provider.EntryFunctionCall, Name: call.Function.Name, CallID: call.CallID, Arguments: call.Function.Arguments,
		})
	}

	stepKey := fmt.Sprintf("execute_tools:step_%d", n)
	results, err := step.BatchInvokeAndWait(ctx, cfg.Engine, stepKey, inputs)
	if err != nil {
		return err
	}

	for i, call := range resp.ToolCalls {
		var outcome ToolResult
		outcome.CallID = call.CallID
		outcome.Name = call.Function.Name
		if i < len(results) {
			r := results[i]
			if r.Success {
				outcome.Output = r.Result
				if binding, ok := bindings[call.Function.Name]; ok {
					outcome.ResultSchemaName = binding.ResultSchemaName
				}
			} else if r.Error != nil {
				outcome.Error = r.Error.Message
			}
		}
		st.toolResults = append(st.toolResults, outcome)

		outputJSON := outcome.Output
		if outcome.Error != "" {
			outputJSON, _ = json.Marshal(map[string]string{"error": outcome.Error})
		}
		st.messages = append(st.messages, provider.HistoryEntry{
			Type: provider.EntryFunctionCallOutput, CallID: call.CallID, Output: string(outputJSON),
		})

		if _, err := runToolHooks(ctx, cfg.Engine, cfg.OnToolEnd, "on_tool_end", n, call, outcome); err != nil {
			return err
		}
	}
	return nil
}

// parseToolArguments decodes a tool call's JSON argument string,
// tolerating a malformed payload by falling back to an empty object
// (spec.md §4.4 step 4: "malformed JSON arguments become an empty
// object rather than failing the step").
func parseToolArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func runToolHooks(ctx *execctx.Context, eng *step.Engine, hooks []guardrail.Named, groupSuffix string, n int, call provider.ToolCall, state any) (guardrail.Composite, error) {
	if len(hooks) == 0 {
		return guardrail.Composite{}, nil
	}
	groupName := fmt.Sprintf("agent.step_%d.%s.%s", n, groupSuffix, call.Function.Name)
	composite, err := guardrail.Execute(ctx, eng, groupName, hooks, state)
	if err != nil {
		return composite, err
	}
	if composite.Failed {
		return composite, poloserr.New(poloserr.KindValidation, "%s hook failed for tool %q: %s", groupSuffix, call.Function.Name, composite.Result.Error)
	}
	return composite, nil
}
