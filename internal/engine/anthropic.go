package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/strand/pkg/models"
)

// DefaultAnthropicModel is used when the run config names no model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements StepProvider over the Anthropic Messages
// API.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use. Each Stream call creates an
// independent SSE stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the provider. APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
}

// NewAnthropicProvider creates a provider from the config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("engine: anthropic API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		defaultModel: model,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream runs one model step and emits text-delta, tool-call, and a final
// step-finish chunk. The channel closes when the step ends.
func (p *AnthropicProvider) Stream(ctx context.Context, req *StepRequest) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, params, chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *StepRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- *Chunk) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var currentToolCall *ToolCallRequest
	var currentToolInput strings.Builder
	var usage models.TokenUsage
	finishReason := ""

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.Input = int(messageStart.Message.Usage.InputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &ToolCallRequest{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Kind: ChunkTextDelta, Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := currentToolInput.String()
				if args == "" {
					args = "{}"
				}
				chunks <- &Chunk{
					Kind:       ChunkToolCall,
					ToolCallID: currentToolCall.ID,
					ToolName:   currentToolCall.Name,
					Args:       json.RawMessage(args),
				}
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			usage.Output = int(messageDelta.Usage.OutputTokens)
			if messageDelta.Delta.StopReason != "" {
				finishReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			chunks <- &Chunk{Kind: ChunkStepFinish, Usage: usage, FinishReason: finishReason}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Kind: ChunkError, Err: fmt.Errorf("engine: anthropic stream: %w", err)}
		return
	}
	chunks <- &Chunk{Kind: ChunkStepFinish, Usage: usage, FinishReason: finishReason}
}

// convertMessages maps loop messages onto Anthropic content blocks. Tool
// roles without structured results become user text, matching how
// projected history is replayed.
func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(toolResult.ToolCallID, toolResult.Content, toolResult.IsError))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Args, &input); err != nil {
				return nil, fmt.Errorf("engine: invalid tool call args for %s: %w", toolCall.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("engine: invalid schema for %s: %w", tool.ID, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.ID)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("engine: invalid tool definition for %s", tool.ID)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
