package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

// Loop drives the multi-step tool conversation over a StepProvider and
// yields the flattened chunk stream a run consumes: per step the model's
// text deltas and tool calls, each call's result, then step-finish. The
// loop ends when a step requests no tools or maxSteps is reached.
type Loop struct {
	provider  StepProvider
	maxTokens int
}

// NewLoop wraps a provider.
func NewLoop(provider StepProvider) *Loop {
	return &Loop{provider: provider, maxTokens: DefaultMaxTokens}
}

// Stream runs the tool loop. The returned channel closes when the loop
// ends; an error chunk is always the last element when something failed.
func (l *Loop) Stream(ctx context.Context, req *RunRequest, exec ToolExecutor) <-chan *Chunk {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		l.run(ctx, req, exec, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, req *RunRequest, exec ToolExecutor, out chan<- *Chunk) {
	maxSteps := req.RunConfig.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	// Provider tool names cannot carry dots; expose sanitized names and
	// translate back on the way out.
	providerTools := make([]ToolDef, len(req.Tools))
	realID := make(map[string]string, len(req.Tools))
	for i, tool := range req.Tools {
		name := providerToolName(tool.ID)
		providerTools[i] = ToolDef{ID: name, Description: tool.Description, Schema: tool.Schema}
		realID[name] = tool.ID
	}

	messages := projectedToLoop(req.Messages)

	for step := 0; step < maxSteps; step++ {
		stepReq := &StepRequest{
			Model:     req.RunConfig.Model,
			System:    req.SystemPrompt,
			Messages:  messages,
			Tools:     providerTools,
			MaxTokens: l.maxTokens,
		}

		chunks, err := l.provider.Stream(ctx, stepReq)
		if err != nil {
			out <- &Chunk{Kind: ChunkError, Err: err}
			return
		}

		var stepText strings.Builder
		var calls []ToolCallRequest
		finished := false

		for chunk := range chunks {
			switch chunk.Kind {
			case ChunkTextDelta:
				stepText.WriteString(chunk.Text)
				out <- chunk
			case ChunkToolCall:
				toolID, ok := realID[chunk.ToolName]
				if !ok {
					toolID = chunk.ToolName
				}
				calls = append(calls, ToolCallRequest{ID: chunk.ToolCallID, Name: toolID, Args: chunk.Args})
				out <- &Chunk{Kind: ChunkToolCall, ToolCallID: chunk.ToolCallID, ToolName: toolID, Args: chunk.Args}
			case ChunkStepFinish:
				finished = true
				out <- chunk
			case ChunkError:
				out <- chunk
				return
			}
		}
		if !finished {
			out <- &Chunk{Kind: ChunkError, Err: fmt.Errorf("engine: provider stream ended without step-finish")}
			return
		}
		if len(calls) == 0 {
			return
		}

		// Record the assistant turn with its tool calls, then answer each
		// call so the next step sees the results.
		assistant := Message{Role: "assistant", Content: stepText.String()}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, ToolCallRequest{
				ID:   call.ID,
				Name: providerToolName(call.Name),
				Args: call.Args,
			})
		}
		messages = append(messages, assistant)

		results := Message{Role: "tool"}
		for _, call := range calls {
			if ctx.Err() != nil {
				out <- &Chunk{Kind: ChunkError, Err: ctx.Err()}
				return
			}
			result, err := exec(ctx, call.ID, call.Name, call.Args)
			if err != nil {
				out <- &Chunk{Kind: ChunkError, Err: fmt.Errorf("engine: tool %s: %w", call.Name, err)}
				return
			}
			out <- &Chunk{Kind: ChunkToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: result}
			results.ToolResults = append(results.ToolResults, ToolResultMessage{
				ToolCallID: call.ID,
				Content:    StringifyResult(result),
			})
		}
		messages = append(messages, results)
	}
}

// providerToolName maps a dotted tool id onto the provider's allowed name
// alphabet.
func providerToolName(id string) string {
	return strings.ReplaceAll(id, ".", "_")
}

// projectedToLoop lifts projected history into loop messages. Projected
// tool turns are textual, so they replay as plain content on the user
// side, the way the provider expects.
func projectedToLoop(history []models.EngineMessage) []Message {
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		if role != models.RoleAssistant {
			role = models.RoleUser
		}
		out = append(out, Message{Role: role, Content: msg.Content})
	}
	return out
}

// StringifyResult renders a tool result for the conversation: strings pass
// through, everything else marshals to JSON.
func StringifyResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
