// Package engine adapts a streaming LLM provider into the canonical event
// sequence of a run. The rest of the system sees only chunks and events;
// provider specifics stay behind the StepProvider interface.
package engine

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/strand/pkg/models"
)

// DefaultMaxSteps bounds the tool loop when the run config leaves it unset.
const DefaultMaxSteps = 25

// DefaultMaxTokens is the per-step output token cap.
const DefaultMaxTokens = 8192

// ChunkKind discriminates the provider stream.
type ChunkKind string

const (
	ChunkTextDelta  ChunkKind = "text-delta"
	ChunkToolCall   ChunkKind = "tool-call"
	ChunkToolResult ChunkKind = "tool-result"
	ChunkStepFinish ChunkKind = "step-finish"
	ChunkError      ChunkKind = "error"
)

// Chunk is one element of the provider stream. Exactly the fields for its
// kind are set.
type Chunk struct {
	Kind ChunkKind

	// text-delta
	Text string

	// tool-call and tool-result
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     any

	// step-finish
	Usage        models.TokenUsage
	FinishReason string

	// error
	Err error
}

// ToolDef exposes a kernel tool to the provider.
type ToolDef struct {
	ID          string
	Description string
	Schema      json.RawMessage
}

// ToolCallRequest is a complete tool invocation parsed from the stream.
type ToolCallRequest struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResultMessage pairs a tool output with the call it answers.
type ToolResultMessage struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is the provider-facing conversation element. Projected history
// arrives as plain text; messages built inside the tool loop carry
// structured tool calls and results.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCallRequest
	ToolResults []ToolResultMessage
}

// StepRequest is a single model call within the tool loop.
type StepRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// StepProvider streams one model response. The channel closes after the
// step-finish or error chunk.
type StepProvider interface {
	Name() string
	Stream(ctx context.Context, req *StepRequest) (<-chan *Chunk, error)
}

// RunRequest is the provider-agnostic input assembled for a run.
type RunRequest struct {
	RunID        string
	SessionID    string
	RunConfig    models.RunConfig
	SystemPrompt string
	Messages     []models.EngineMessage
	Tools        []ToolDef
}

// ToolExecutor runs one tool call on behalf of the loop. The returned value
// is JSON-marshalable; structured failures are results, errors abort the
// run.
type ToolExecutor func(ctx context.Context, callID, toolID string, args json.RawMessage) (any, error)
