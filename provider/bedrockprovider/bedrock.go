// Package bedrockprovider adapts the AWS Bedrock Converse API to the
// provider.Provider contract (spec.md §4.6), grounded on
// features/model/bedrock's request/response translation and tool-name
// sanitization, simplified to the subset spec.md's canonical
// GenerateRequest/GenerateResponse shape exercises (no prompt caching,
// citations, or extended-thinking passthrough — see DESIGN.md).
package bedrockprovider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/polosdev/polos-go/provider"
)

// RuntimeClient is the subset of *bedrockruntime.Client this adapter
// exercises, letting tests substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Provider implements provider.Provider over AWS Bedrock's Converse API.
type Provider struct {
	runtime      RuntimeClient
	defaultModel string
}

// New builds an adapter from an already-configured Bedrock runtime
// client and the default model ID to use when a request omits one.
func New(runtime RuntimeClient, defaultModel string) (*Provider, error) {
	if runtime == nil {
		return nil, errors.New("bedrockprovider: runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrockprovider: default model identifier is required")
	}
	return &Provider{runtime: runtime, defaultModel: defaultModel}, nil
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	parts, err := p.prepareRequest(req)
	if err != nil {
		return provider.GenerateResponse{}, err
	}
	output, err := p.runtime.Converse(ctx, buildConverseInput(parts))
	if err != nil {
		if isRateLimited(err) {
			return provider.GenerateResponse{}, fmt.Errorf("bedrockprovider: rate limited: %w", err)
		}
		return provider.GenerateResponse{}, fmt.Errorf("bedrockprovider: converse: %w", err)
	}
	return translateResponse(output, parts.sanToCanon)
}

func (p *Provider) Stream(ctx context.Context, req provider.GenerateRequest) (provider.EventIterator, error) {
	parts, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := p.runtime.ConverseStream(ctx, buildConverseStreamInput(parts))
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("bedrockprovider: rate limited: %w", err)
		}
		return nil, fmt.Errorf("bedrockprovider: converse stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrockprovider: stream output missing event stream")
	}

	return func(yield func(provider.StreamEvent) bool) {
		defer stream.Close()

		var content string
		toolBlocks := map[int]*toolBuffer{}
		var stopReason string
		var usage provider.Usage

		events := stream.Events()
	loop:
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					break loop
				}
				switch ev := event.(type) {
				case *brtypes.ConverseStreamOutputMemberContentBlockStart:
					idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
					if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
						name := ""
						if start.Value.Name != nil {
							name = parts.sanToCanon[normalizeToolName(*start.Value.Name)]
						}
						id := ""
						if start.Value.ToolUseId != nil {
							id = *start.Value.ToolUseId
						}
						toolBlocks[idx] = &toolBuffer{id: id, name: name}
					}
				case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
					idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
					switch delta := ev.Value.Delta.(type) {
					case *brtypes.ContentBlockDeltaMemberText:
						if delta.Value == "" {
							continue
						}
						content += delta.Value
						if !yield(provider.StreamEvent{Type: provider.StreamTextDelta, Text: delta.Value}) {
							return
						}
					case *brtypes.ContentBlockDeltaMemberToolUse:
						if tb, ok := toolBlocks[idx]; ok && delta.Value.Input != nil {
							tb.partial += *delta.Value.Input
						}
					}
				case *brtypes.ConverseStreamOutputMemberContentBlockStop:
					idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
					if tb, ok := toolBlocks[idx]; ok {
						tc := provider.ToolCall{CallID: tb.id, ID: tb.id}
						tc.Function.Name = tb.name
						tc.Function.Arguments = tb.partial
						if !yield(provider.StreamEvent{Type: provider.StreamToolCall, ToolCall: &tc}) {
							return
						}
					}
				case *brtypes.ConverseStreamOutputMemberMessageStop:
					stopReason = string(ev.Value.StopReason)
				case *brtypes.ConverseStreamOutputMemberMetadata:
					if u := ev.Value.Usage; u != nil {
						usage = provider.Usage{
							InputTokens:  int(aws.ToInt32(u.InputTokens)),
							OutputTokens: int(aws.ToInt32(u.OutputTokens)),
							TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
						}
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(provider.StreamEvent{Type: provider.StreamError, Err: err})
			return
		}

		done := provider.GenerateResponse{Content: content, StopReason: stopReason, Usage: usage, Model: parts.modelID}
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

type toolBuffer struct {
	id, name, partial string
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

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	sanToCanon map[string]string
	maxTokens  int
	temp       *float64
}

func (p *Provider) prepareRequest(req provider.GenerateRequest) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrockprovider: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	messages, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	toolConfig, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		sanToCanon: sanToCanon,
		maxTokens:  req.MaxTokens,
		temp:       req.Temperature,
	}, nil
}

func buildConverseInput(parts *requestParts) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := inferenceConfig(parts); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func buildConverseStreamInput(parts *requestParts) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := inferenceConfig(parts); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func inferenceConfig(parts *requestParts) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if parts.maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(parts.maxTokens))
	}
	if parts.temp != nil {
		cfg.Temperature = aws.Float32(float32(*parts.temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

func encodeMessages(req provider.GenerateRequest) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt})
	}

	// Bedrock requires a tool_result's toolUseId to reference a prior
	// tool_use in the same conversation; the canonical history already
	// carries that correlation via CallID, so we reuse it directly when it
	// is provider-safe, and otherwise remap it (spec.md's canonical
	// history never guarantees provider-safe IDs).
	idFor := map[string]string{}
	nextID := 0
	toolUseID := func(callID string) string {
		if callID == "" {
			return ""
		}
		if isProviderSafeID(callID) {
			return callID
		}
		if id, ok := idFor[callID]; ok {
			return id
		}
		nextID++
		id := fmt.Sprintf("t%d", nextID)
		idFor[callID] = id
		return id
	}

	conversation := make([]brtypes.Message, 0, len(req.Messages))
	for _, e := range req.Messages {
		switch e.Type {
		case provider.EntryMessage:
			if e.Role == "system" {
				if e.Content != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: e.Content})
				}
				continue
			}
			if e.Content == "" {
				continue
			}
			role := brtypes.ConversationRoleUser
			if e.Role == "assistant" {
				role = brtypes.ConversationRoleAssistant
			}
			conversation = append(conversation, brtypes.Message{
				Role:    role,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: e.Content}},
			})
		case provider.EntryFunctionCall:
			var input any
			if e.Arguments != "" {
				if err := json.Unmarshal([]byte(e.Arguments), &input); err != nil {
					return nil, nil, fmt.Errorf("bedrockprovider: function_call %q arguments: %w", e.Name, err)
				}
			}
			tb := brtypes.ToolUseBlock{
				Name:      aws.String(sanitizeToolName(e.Name)),
				ToolUseId: aws.String(toolUseID(e.CallID)),
				Input:     toDocument(input),
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolUse{Value: tb}},
			})
		case provider.EntryFunctionCallOutput:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(toolUseID(e.CallID)),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: e.Output}},
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrockprovider: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []provider.ToolSpec) (*brtypes.ToolConfiguration, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		sanitized := sanitizeToolName(def.Name)
		sanToCanon[normalizeToolName(sanitized)] = def.Name
		var schema any
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(sanitized),
				Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(schema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, sanToCanon, nil
}

// sanitizeToolName maps a canonical tool name to Bedrock's documented
// [a-zA-Z0-9_-]{1,64} tool-name constraint.
func sanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	const maxLen = 64
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		case r == '.':
			out = append(out, '_')
		default:
			out = append(out, '_')
		}
	}
	sanitized := string(out)
	if len(sanitized) <= maxLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:8]
	prefixLen := maxLen - 9
	if prefixLen < 1 {
		prefixLen = 1
	}
	return sanitized[:prefixLen] + "_" + suffix
}

func normalizeToolName(s string) string { return strings.ToLower(s) }

func isProviderSafeID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func toDocument(v any) document.Interface {
	if v == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func translateResponse(output *bedrockruntime.ConverseOutput, sanToCanon map[string]string) (provider.GenerateResponse, error) {
	if output == nil {
		return provider.GenerateResponse{}, errors.New("bedrockprovider: response is nil")
	}
	var resp provider.GenerateResponse
	resp.StopReason = string(output.StopReason)
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = sanToCanon[normalizeToolName(*v.Value.Name)]
					if name == "" {
						name = *v.Value.Name
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				tc := provider.ToolCall{CallID: id, ID: id}
				tc.Function.Name = name
				tc.Function.Arguments = string(decodeDocument(v.Value.Input))
				resp.ToolCalls = append(resp.ToolCalls, tc)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = provider.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return provider.GenerateResponse{}, fmt.Errorf("bedrockprovider: marshal raw output: %w", err)
	}
	resp.RawOutput = raw
	return resp, nil
}
