// Package openaiprovider adapts OpenAI's Chat Completions API to the
// provider.Provider contract (spec.md §4.6), grounded on
// features/model/openai's request/response translation and extended
// with streaming support the teacher's adapter explicitly deferred
// ("Stream reports... not yet supported").
package openaiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/polosdev/polos-go/provider"
)

// ChatClient is the subset of the go-openai client this adapter
// exercises, letting tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Provider implements provider.Provider over OpenAI Chat Completions.
type Provider struct {
	chat  ChatClient
	model string
}

// New builds an adapter from an already-configured go-openai client and
// the default model to use when a request omits one.
func New(chat ChatClient, defaultModel string) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openaiprovider: client is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("openaiprovider: default model is required")
	}
	return &Provider{chat: chat, model: defaultModel}, nil
}

// NewFromAPIKey is a convenience constructor over the default go-openai
// HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openaiprovider: api key is required")
	}
	return New(openai.NewClient(apiKey), defaultModel)
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	request, err := buildRequest(req, p.model)
	if err != nil {
		return provider.GenerateResponse{}, err
	}
	resp, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return provider.GenerateResponse{}, fmt.Errorf("openaiprovider: chat completion: %w", err)
	}
	return translate(resp)
}

func (p *Provider) Stream(ctx context.Context, req provider.GenerateRequest) (provider.EventIterator, error) {
	request, err := buildRequest(req, p.model)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := p.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openaiprovider: chat completion stream: %w", err)
	}

	return func(yield func(provider.StreamEvent) bool) {
		defer stream.Close()

		var content string
		toolCalls := map[int]*openai.ToolCall{}
		var model, stopReason string
		var usage provider.Usage

		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, io.EOF) {
					break
				}
				yield(provider.StreamEvent{Type: provider.StreamError, Err: err})
				return
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = provider.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					stopReason = string(choice.FinishReason)
				}
				if delta := choice.Delta.Content; delta != "" {
					content += delta
					if !yield(provider.StreamEvent{Type: provider.StreamTextDelta, Text: delta}) {
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					existing, ok := toolCalls[idx]
					if !ok {
						cp := tc
						toolCalls[idx] = &cp
						continue
					}
					existing.Function.Arguments += tc.Function.Arguments
					if tc.Function.Name != "" {
						existing.Function.Name = tc.Function.Name
					}
					if tc.ID != "" {
						existing.ID = tc.ID
					}
				}
			}
		}

		done := provider.GenerateResponse{
			Content:    content,
			Model:      model,
			StopReason: stopReason,
			Usage:      usage,
		}
		for _, idx := range orderedIndices(toolCalls) {
			tc := toolCalls[idx]
			norm := provider.ToolCall{CallID: tc.ID, ID: tc.ID}
			norm.Function.Name = tc.Function.Name
			norm.Function.Arguments = tc.Function.Arguments
			done.ToolCalls = append(done.ToolCalls, norm)
			if !yield(provider.StreamEvent{Type: provider.StreamToolCall, ToolCall: &norm}) {
				return
			}
		}
		raw, _ := json.Marshal(done)
		done.RawOutput = raw
		yield(provider.StreamEvent{Type: provider.StreamDone, Done: &done})
	}, nil
}

func orderedIndices(m map[int]*openai.ToolCall) []int {
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

func buildRequest(req provider.GenerateRequest, defaultModel string) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("openaiprovider: messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = defaultModel
	}

	messages, err := encodeMessages(req)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	request := openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		request.TopP = float32(*req.TopP)
	}
	if tools, err := encodeTools(req.Tools); err != nil {
		return openai.ChatCompletionRequest{}, err
	} else {
		request.Tools = tools
	}

	// OpenAI's structured-output mode (response_format: json_schema) only
	// applies cleanly when no tools are simultaneously requested; with
	// tools present we fall back to the strict-JSON system instruction,
	// matching spec.md §4.6's "Structured output" rule.
	if req.OutputSchema != nil {
		if len(req.Tools) == 0 {
			var schema any
			if err := json.Unmarshal(req.OutputSchema, &schema); err != nil {
				return openai.ChatCompletionRequest{}, fmt.Errorf("openaiprovider: output schema: %w", err)
			}
			request.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   req.OutputSchemaName,
					Schema: jsonSchemaMarshaler{req.OutputSchema},
					Strict: true,
				},
			}
		} else {
			request.Messages = injectSystemInstruction(request.Messages,
				provider.StructuredOutputInstruction(req.OutputSchemaName, req.OutputSchema))
		}
	}
	return request, nil
}

// jsonSchemaMarshaler lets a pre-encoded json.RawMessage satisfy
// go-openai's json.Marshaler-constrained Schema field without a
// decode/re-encode round trip.
type jsonSchemaMarshaler struct {
	raw json.RawMessage
}

func (j jsonSchemaMarshaler) MarshalJSON() ([]byte, error) { return j.raw, nil }

func injectSystemInstruction(messages []openai.ChatCompletionMessage, instruction string) []openai.ChatCompletionMessage {
	for i, m := range messages {
		if m.Role == openai.ChatMessageRoleSystem {
			messages[i].Content = provider.MergeSystemPrompt(m.Content, instruction)
			return messages
		}
	}
	return append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: instruction}}, messages...)
}

func encodeMessages(req provider.GenerateRequest) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, e := range req.Messages {
		switch e.Type {
		case provider.EntryMessage:
			out = append(out, openai.ChatCompletionMessage{Role: e.Role, Content: e.Content})
		case provider.EntryFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   e.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      e.Name,
						Arguments: e.Arguments,
					},
				}},
			})
		case provider.EntryFunctionCallOutput:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    e.Output,
				ToolCallID: e.CallID,
			})
		default:
			return nil, fmt.Errorf("openaiprovider: unsupported history entry type %q", e.Type)
		}
	}
	return out, nil
}

func encodeTools(defs []provider.ToolSpec) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools, nil
}

func translate(resp openai.ChatCompletionResponse) (provider.GenerateResponse, error) {
	var content string
	var toolCalls []provider.ToolCall
	for _, choice := range resp.Choices {
		msg := choice.Message
		if strings.TrimSpace(msg.Content) != "" {
			content += msg.Content
		}
		for _, call := range msg.ToolCalls {
			tc := provider.ToolCall{CallID: call.ID, ID: call.ID}
			tc.Function.Name = call.Function.Name
			tc.Function.Arguments = call.Function.Arguments
			toolCalls = append(toolCalls, tc)
		}
	}
	stop := ""
	if len(resp.Choices) > 0 {
		stop = string(resp.Choices[0].FinishReason)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return provider.GenerateResponse{}, fmt.Errorf("openaiprovider: marshal raw output: %w", err)
	}
	return provider.GenerateResponse{
		Content: content,
		Usage: provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		ToolCalls:  toolCalls,
		RawOutput:  raw,
		Model:      resp.Model,
		StopReason: stop,
	}, nil
}
