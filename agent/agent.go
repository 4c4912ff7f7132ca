// Package agent implements the agent loop (spec.md §2 component C5,
// §4.4): the LLM-step/tool-step/stop-condition state machine built
// directly on workflow, step, guardrail, and provider. An agent is a
// workflow whose handler is NewHandler's returned function.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/guardrail"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/provider"
	"github.com/polosdev/polos-go/step"
	"github.com/polosdev/polos-go/workflow"
)

// ToolBinding describes one tool available to the agent: its LLM-facing
// schema plus the registered workflow.Descriptor ID (Kind == KindTool)
// that implements it, invoked via batch_invoke_and_wait (spec.md §4.4
// step 4).
type ToolBinding struct {
	ID               string
	Name             string
	Description      string
	ParametersSchema json.RawMessage
	ResultSchemaName string
}

func (b ToolBinding) spec() provider.ToolSpec {
	return provider.ToolSpec{Name: b.Name, Description: b.Description, Parameters: b.ParametersSchema}
}

// SessionMemoryConfig controls conversation-history persistence (spec.md
// §4.4 steps 1 and 8).
type SessionMemoryConfig struct {
	Enabled bool
	// Window bounds how many trailing messages are kept across calls to
	// PutSessionMemory; zero means unbounded.
	Window int
}

// Config is the per-agent configuration NewHandler closes over — the Go
// rendering of the "AgentConfig snapshot" spec.md §4.4 step 3 builds
// per call.
type Config struct {
	AgentID      string
	Engine       *step.Engine
	Providers    *provider.Registry
	ProviderName string
	Model        string
	SystemPrompt string
	Tools        []ToolBinding
	Temperature  *float64
	MaxTokens    int
	TopP         *float64

	OutputSchemaName string
	OutputSchema     json.RawMessage

	Guardrails          []guardrail.Named
	GuardrailMaxRetries int

	OnAgentStepStart []guardrail.Named
	OnToolStart      []guardrail.Named
	OnToolEnd        []guardrail.Named

	StopConditions []StopCondition
	// MaxSteps is the default safety limit (spec.md §4.4 step 6: "default
	// 10"), disabled when StopConditions already contains an explicit
	// MaxSteps condition.
	MaxSteps int

	SessionMemory SessionMemoryConfig
}

// Payload is the decoded shape of an agent invocation's payload, built
// by step.AgentRunConfig.payload() (spec.md §3 "agent invocation
// payload").
type Payload struct {
	Input          json.RawMessage `json:"input,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

// ToolResult is one tool call's structured outcome, recorded in the
// final Result (spec.md §4.4 step 4: "record a structured ToolResult").
type ToolResult struct {
	CallID           string          `json:"call_id"`
	Name             string          `json:"name"`
	Output           json.RawMessage `json:"output,omitempty"`
	ResultSchemaName string          `json:"result_schema_name,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Step is one iteration's recorded trace entry (spec.md §4.4 step 5).
type Step struct {
	N           int               `json:"n"`
	Content     string            `json:"content,omitempty"`
	ToolCalls   []provider.ToolCall `json:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	Usage       provider.Usage    `json:"usage"`
	RawOutput   json.RawMessage   `json:"raw_output,omitempty"`
}

// Result is the final AgentResult spec.md §4.4 step 8 describes.
type Result struct {
	AgentRunID       string          `json:"agent_run_id"`
	ConversationID   string          `json:"conversation_id"`
	Result           json.RawMessage `json:"result,omitempty"`
	ResultSchemaName string          `json:"result_schema_name,omitempty"`
	ToolResults      []ToolResult    `json:"tool_results,omitempty"`
	TotalSteps       int             `json:"total_steps"`
	Usage            provider.Usage  `json:"usage"`
}

// loopState is the in-progress accumulator threaded through one agent
// run; it is not itself persisted — each field it holds is reconstructed
// from durable step outputs on replay since every mutation happens
// inside a step.Run/step.BatchInvokeAndWait call.
type loopState struct {
	messages       []provider.HistoryEntry
	toolResults    []ToolResult
	steps          []Step
	usage          provider.Usage
	lastContent    string
	lastToolCalls  []provider.ToolCall
	conversationID string
}

// NewHandler builds the workflow.Handler for an agent descriptor,
// implementing the per-iteration state machine of spec.md §4.4:
// {START_STEP, CALL_LLM, EXECUTE_TOOLS, APPLY_STOP, END}.
func NewHandler(cfg *Config) workflow.Handler {
	return func(ctx *execctx.Context, payload any) (any, error) {
		var in Payload
		if err := remarshal(payload, &in); err != nil {
			return nil, poloserr.Wrap(poloserr.KindValidation, err, "agent %q: decode payload", cfg.AgentID)
		}

		st, err := preflight(ctx, cfg, in)
		if err != nil {
			return nil, err
		}

		for n := 1; ; n++ {
			messages, err := runStepStartHooks(ctx, cfg, st.messages)
			if err != nil {
				return nil, err
			}
			st.messages = messages

			resp, err := callLLM(ctx, cfg, st, n)
			if err != nil {
				return nil, err
			}
			st.lastContent = resp.Content
			st.lastToolCalls = resp.ToolCalls
			st.usage = addUsage(st.usage, resp.Usage)

			if len(resp.ToolCalls) > 0 {
				if err := executeTools(ctx, cfg, st, n, resp); err != nil {
					return nil, err
				}
			} else {
				st.messages = append(st.messages, provider.HistoryEntry{Type: provider.EntryMessage, Role: "assistant", Content: resp.Content})
			}

			st.steps = append(st.steps, Step{
				N: n, Content: resp.Content, ToolCalls: resp.ToolCalls,
				ToolResults: lastN(st.toolResults, len(resp.ToolCalls)),
				Usage:       resp.Usage, RawOutput: resp.RawOutput,
			})

			stop, reason, err := applyStop(ctx, cfg, st, n)
			if err != nil {
				return nil, err
			}
			if stop {
				return finish(ctx, cfg, st, reason)
			}
		}
	}
}

func remarshal(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// preflight implements spec.md §4.4 step 1: load session memory,
// prepend it, append the caller's input, and persist a deterministic
// conversation_id.
func preflight(ctx *execctx.Context, cfg *Config, in Payload) (*loopState, error) {
	st := &loopState{}

	if cfg.SessionMemory.Enabled && ctx.Identity.SessionID != "" {
		mem, err := step.Run[[]provider.HistoryEntry](ctx, cfg.Engine, "agent.session_memory.load", func(ctx *execctx.Context) ([]provider.HistoryEntry, error) {
			record, err := cfg.Engine.Client.GetSessionMemory(ctx, ctx.Identity.SessionID)
			if err != nil {
				return nil, poloserr.Wrap(poloserr.KindTransient, err, "agent %q: load session memory", cfg.AgentID)
			}
			if record == nil {
				return nil, nil
			}
			entries := make([]provider.HistoryEntry, 0, len(record.Messages))
			for _, raw := range record.Messages {
				var e provider.HistoryEntry
				if err := json.Unmarshal(raw, &e); err == nil {
					entries = append(entries, e)
				}
			}
			return entries, nil
		})
		if err != nil {
			return nil, err
		}
		st.messages = append(st.messages, mem...)
	}

	inputMessages, err := decodeInput(in.Input)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "agent %q: decode input", cfg.AgentID)
	}
	st.messages = append(st.messages, inputMessages...)

	convID := in.ConversationID
	if convID == "" {
		id, err := step.UUID(ctx, cfg.Engine, "agent.conversation_id")
		if err != nil {
			return nil, err
		}
		convID = id
	}
	st.conversationID = convID
	return st, nil
}

// decodeInput accepts either a single string user message or a
// pre-formed message array (spec.md §4.4 step 1).
func decodeInput(raw json.RawMessage) ([]provider.HistoryEntry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []provider.HistoryEntry{{Type: provider.EntryMessage, Role: "user", Content: s}}, nil
	}
	var entries []provider.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("input must be a string or a message array: %w", err)
	}
	return entries, nil
}

// runStepStartHooks implements spec.md §4.4 step 2: accumulate
// modifications to the outgoing messages; a FAIL aborts the loop.
func runStepStartHooks(ctx *execctx.Context, cfg *Config, messages []provider.HistoryEntry) ([]provider.HistoryEntry, error) {
	if len(cfg.OnAgentStepStart) == 0 {
		return messages, nil
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, poloserr.New(poloserr.KindValidation, "agent %q: marshal messages for hooks: %v", cfg.AgentID, err)
	}
	composite, err := guardrail.Execute(ctx, cfg.Engine, "on_agent_step_start", cfg.OnAgentStepStart, raw)
	if err != nil {
		return nil, err
	}
	if composite.Failed {
		return nil, poloserr.New(poloserr.KindValidation, "agent %q: on_agent_step_start hook failed: %s", cfg.AgentID, composite.Result.Error)
	}
	if composite.Mods.Payload != nil {
		var modified []provider.HistoryEntry
		if err := json.Unmarshal(composite.Mods.Payload, &modified); err == nil {
			return modified, nil
		}
	}
	return messages, nil
}

func addUsage(a, b provider.Usage) provider.Usage {
	return provider.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
}

func lastN(results []ToolResult, n int) []ToolResult {
	if n <= 0 || n > len(results) {
		return nil
	}
	return append([]ToolResult(nil), results[len(results)-n:]...)
}
