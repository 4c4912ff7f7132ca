// Package anthropicprovider adapts Anthropic's Messages API to the
// provider.Provider contract (spec.md §4.6), grounded on
// features/model/anthropic's translation of sdk.Message content blocks
// into the runtime's canonical response shape.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/polosdev/polos-go/provider"
)

// Client is the subset of *sdk.MessageService this adapter exercises,
// letting tests substitute a fake.
type Client interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements provider.Provider over Anthropic Claude.
type Provider struct {
	msg Client
}

// New builds an adapter from an already-configured Anthropic messages
// client (typically &sdk.NewClient(option.WithAPIKey(key)).Messages).
func New(msg Client) *Provider {
	return &Provider{msg: msg}
}

// NewFromAPIKey is a convenience constructor reading credentials from the
// caller-supplied API key rather than the ambient environment, so
// worker.Runtime's startup wiring stays explicit.
func NewFromAPIKey(apiKey string) *Provider {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages)
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	params, err := buildParams(req)
	if err != nil {
		return provider.GenerateResponse{}, err
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return provider.GenerateResponse{}, fmt.Errorf("anthropicprovider: messages.new: %w", err)
	}
	return translate(msg)
}

// toolBuffer accumulates one streamed tool_use block's partial-JSON input.
type toolBuffer struct {
	id, name string
	partial  string
}

func (p *Provider) Stream(ctx context.Context, req provider.GenerateRequest) (provider.EventIterator, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, params)

	return func(yield func(provider.StreamEvent) bool) {
		defer stream.Close()

		var content string
		toolBlocks := map[int]*toolBuffer{}
		var stopReason string
		var usage provider.Usage
		var model string

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				model = string(ev.Message.Model)
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case sdk.ContentBlockStartEvent:
				if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					content += delta.Text
					if !yield(provider.StreamEvent{Type: provider.StreamTextDelta, Text: delta.Text}) {
						return
					}
				case sdk.InputJSONDelta:
					if tb, ok := toolBlocks[int(ev.Index)]; ok {
						tb.partial += delta.PartialJSON
					}
				}
			case sdk.ContentBlockStopEvent:
				if tb, ok := toolBlocks[int(ev.Index)]; ok {
					tc := provider.ToolCall{CallID: tb.id, ID: tb.id}
					tc.Function.Name = tb.name
					tc.Function.Arguments = tb.partial
					if !yield(provider.StreamEvent{Type: provider.StreamToolCall, ToolCall: &tc}) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			yield(provider.StreamEvent{Type: provider.StreamError, Err: err})
			return
		}

		done := provider.GenerateResponse{
			Content:    content,
			Model:      model,
			StopReason: stopReason,
			Usage:      usage,
		}
		done.Usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		for _, idx := range orderedIndices(toolBlocks) {
			tb := toolBlocks[idx]
			tc := provider.ToolCall{CallID: tb.id, ID: tb.id}
			tc.Function.Name = tb.name
			tc.Function.Arguments = tb.partial
			done.ToolCalls = append(done.ToolCalls, tc)
		}
		raw, _ := json.Marshal(done)
		done.RawOutput = raw
		yield(provider.StreamEvent{Type: provider.StreamDone, Done: &done})
	}, nil
}

func orderedIndices(m map[int]*toolBuffer) []int {
	idxs := make([]int, 0, len(m))
	for i := range m {
		idxs = append(idxs, i)
	}
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j-1] > idxs[j]; j-- {
			idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
		}
	}
	return idxs
}

func buildParams(req provider.GenerateRequest) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropicprovider: messages are required")
	}
	if req.MaxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropicprovider: max_tokens must be positive")
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
	}
	system := req.SystemPrompt
	for _, e := range req.Messages {
		if e.Type == provider.EntryMessage && e.Role == "system" && e.Content != "" {
			system = provider.MergeSystemPrompt(system, e.Content)
		}
	}
	if req.OutputSchema != nil && len(req.Tools) == 0 {
		// Anthropic has no native JSON-schema response mode as of this SDK
		// version, so structured output always falls back to the
		// strict-JSON system instruction (spec.md §4.6 "Structured
		// output": "Otherwise inject a strict-JSON instruction").
		system = provider.MergeSystemPrompt(system, provider.StructuredOutputInstruction(req.OutputSchemaName, req.OutputSchema))
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if t := req.Temperature; t != nil {
		params.Temperature = sdk.Float(*t)
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := toolInputSchema(t.Parameters)
			if err != nil {
				return sdk.MessageNewParams{}, fmt.Errorf("anthropicprovider: tool %q schema: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeMessages(entries []provider.HistoryEntry) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case provider.EntryMessage:
			switch e.Role {
			case "user":
				out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(e.Content)))
			case "assistant":
				out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(e.Content)))
			case "system":
				// merged into params.System by buildParams.
			default:
				return nil, fmt.Errorf("anthropicprovider: unsupported role %q", e.Role)
			}
		case provider.EntryFunctionCall:
			var input any
			if e.Arguments != "" {
				if err := json.Unmarshal([]byte(e.Arguments), &input); err != nil {
					return nil, fmt.Errorf("anthropicprovider: function_call %q arguments: %w", e.Name, err)
				}
			}
			out = append(out, sdk.NewAssistantMessage(sdk.NewToolUseBlock(e.CallID, input, e.Name)))
		case provider.EntryFunctionCallOutput:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(e.CallID, e.Output, false)))
		}
	}
	return out, nil
}

func translate(msg *sdk.Message) (provider.GenerateResponse, error) {
	if msg == nil {
		return provider.GenerateResponse{}, errors.New("anthropicprovider: nil response")
	}
	resp := provider.GenerateResponse{Model: string(msg.Model), StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			tc := provider.ToolCall{CallID: block.ID, ID: block.ID}
			tc.Function.Name = block.Name
			tc.Function.Arguments = string(args)
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	resp.Usage = provider.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return provider.GenerateResponse{}, fmt.Errorf("anthropicprovider: marshal raw output: %w", err)
	}
	resp.RawOutput = raw
	return resp, nil
}
