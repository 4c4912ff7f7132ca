// Package provider defines the uniform generate/stream contract over
// heterogeneous LLM APIs (spec.md §2 component C7, §4.6): canonical
// history entries, normalized tool calls, and a sealed provider registry
// into which the caller registers the concrete adapters
// (anthropicprovider, openaiprovider, bedrockprovider).
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// EntryType tags one canonical history entry (spec.md §4.6 "History
// conversion").
type EntryType string

const (
	EntryMessage            EntryType = "message"
	EntryFunctionCall       EntryType = "function_call"
	EntryFunctionCallOutput EntryType = "function_call_output"
)

// HistoryEntry is the canonical, provider-agnostic shape conversation
// history is stored in between agent iterations. Each provider adapter
// converts to and from its own wire format.
type HistoryEntry struct {
	Type EntryType `json:"type"`

	// EntryMessage fields.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// EntryFunctionCall fields. Arguments is always a JSON string, even
	// when the provider's native wire format uses a structured object
	// (spec.md §4.6 "Tool call normalization").
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// EntryFunctionCallOutput field.
	Output string `json:"output,omitempty"`
}

// ToolCall is a normalized tool invocation requested by the model.
type ToolCall struct {
	CallID   string `json:"call_id"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Usage reports token accounting, normalized across providers.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolSpec is a JSON-Schema-described tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerateRequest is the provider-agnostic request shape (spec.md §4.6).
type GenerateRequest struct {
	Messages         []HistoryEntry
	Model            string
	SystemPrompt     string
	Tools            []ToolSpec
	Temperature      *float64
	MaxTokens        int
	TopP             *float64
	OutputSchema     json.RawMessage
	OutputSchemaName string
}

// GenerateResponse is the normalized model response.
type GenerateResponse struct {
	Content    string
	Usage      Usage
	ToolCalls  []ToolCall
	RawOutput  json.RawMessage
	Model      string
	StopReason string
}

// StreamEventType enumerates the normalized streaming event kinds
// (spec.md §4.6: "{type ∈ {text_delta, tool_call, done, error}, data}").
type StreamEventType string

const (
	StreamTextDelta StreamEventType = "text_delta"
	StreamToolCall  StreamEventType = "tool_call"
	StreamDone      StreamEventType = "done"
	StreamError     StreamEventType = "error"
)

// StreamEvent is one item of a streaming generation.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *ToolCall
	Done     *GenerateResponse
	Err      error
}

// EventIterator is a lazy Go 1.23 range-over-func stream of StreamEvent,
// matching the orchestrator SSE iterator's shape for a consistent
// consumption idiom across the runtime.
type EventIterator func(yield func(StreamEvent) bool)

// Provider is the uniform contract every concrete LLM adapter implements
// (spec.md §4.6).
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Stream(ctx context.Context, req GenerateRequest) (EventIterator, error)
}

// Registry is a sealed, process-wide provider lookup table: the caller
// registers adapters once at startup via Register, and Get is the only
// way callers resolve a Provider by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under its own Name(). Registering the same name twice
// is a programming error and panics, matching the teacher's startup-time
// fail-fast convention for process-wide registries.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		panic(fmt.Sprintf("provider: %q already registered", p.Name()))
	}
	r.providers[p.Name()] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter registered for %q", name)
	}
	return p, nil
}

// MergeSystemPrompt folds an additional system instruction into an
// existing prompt, used when structured-output mode must be emulated via
// a system-prompt instruction (spec.md §4.6 "Structured output").
func MergeSystemPrompt(existing, addition string) string {
	if existing == "" {
		return addition
	}
	if addition == "" {
		return existing
	}
	return existing + "\n\n" + addition
}

// StructuredOutputInstruction renders the strict-JSON system instruction
// used when a provider lacks (or can't combine) native JSON-schema mode
// with the requested tools (spec.md §4.6).
func StructuredOutputInstruction(schemaName string, schema json.RawMessage) string {
	return fmt.Sprintf(
		"Respond with a single JSON object matching this schema (%s) and nothing else:\n%s",
		schemaName, string(schema),
	)
}
