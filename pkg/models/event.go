// Package models provides domain types for the Strand agent runtime.
package models

import (
	"encoding/json"
)

// Event is the immutable envelope appended to the ledger. It is the single
// source of truth for everything a run said, did, and was asked to approve.
//
// Design principles:
//   - Append-only: an event is never mutated after Append returns.
//   - Seq is monotonic and dense per RunID, starting at 1.
//   - Payload is self-describing JSON so arbitrary nested values round-trip
//     losslessly through storage.
type Event struct {
	// EventID is an opaque globally unique identifier.
	EventID string `json:"eventId"`

	// RunID and SessionID are the partition keys.
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`

	// Seq is the per-run sequence number: monotonic, dense, starting at 1.
	Seq int64 `json:"seq"`

	// TS is wall-clock milliseconds at append time. Seq, never TS, is the
	// ordering authority.
	TS int64 `json:"ts"`

	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// Payload is the type-specific structured value.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventType identifies the kind of event. The set is closed.
type EventType string

const (
	// Run lifecycle
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunPaused    EventType = "run.paused"
	EventRunResumed   EventType = "run.resumed"

	// Model output
	EventOutputDelta   EventType = "output.delta"
	EventOutputMessage EventType = "output.message"

	// Tool execution
	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	// Approvals
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"

	// Artifacts and checkpoints
	EventArtifactEmitted   EventType = "artifact.emitted"
	EventCheckpointCreated EventType = "checkpoint.created"
	EventStateSnapshot     EventType = "state.snapshot"

	// Engine instrumentation
	EventEngineRequest  EventType = "engine.request"
	EventEngineResponse EventType = "engine.response"

	// Memory distillation
	EventWorkingMemorySnapshot EventType = "working_memory.snapshot"
	EventMemoryObserved        EventType = "memory.observed"
	EventMemoryReflected       EventType = "memory.reflected"
)

// IsTerminal reports whether the event type ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	switch t {
	case EventRunStarted, EventRunCompleted, EventRunFailed, EventRunPaused, EventRunResumed,
		EventOutputDelta, EventOutputMessage,
		EventToolCall, EventToolResult,
		EventApprovalRequested, EventApprovalResolved,
		EventArtifactEmitted, EventCheckpointCreated, EventStateSnapshot,
		EventEngineRequest, EventEngineResponse,
		EventWorkingMemorySnapshot, EventMemoryObserved, EventMemoryReflected:
		return true
	}
	return false
}

// DecodePayload unmarshals the event payload into out.
func (e *Event) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// MustPayload marshals v as an event payload. Payload construction happens on
// internally built structs, so a marshal failure is a programming error.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("models: marshal event payload: " + err.Error())
	}
	return data
}

// RunStartedPayload is carried by run.started events.
type RunStartedPayload struct {
	Prompt    string   `json:"prompt,omitempty"`
	Model     string   `json:"model,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	Skills    []string `json:"skills,omitempty"`
}

// RunCompletedPayload is carried by run.completed events.
type RunCompletedPayload struct {
	Summary    string     `json:"summary,omitempty"`
	Steps      int        `json:"steps"`
	TokenUsage TokenUsage `json:"tokenUsage"`
}

// RunFailedPayload is carried by run.failed events.
type RunFailedPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RunPausedPayload is carried by run.paused events.
type RunPausedPayload struct {
	Reason     string `json:"reason"`
	ApprovalID string `json:"approvalId,omitempty"`
}

// OutputDeltaPayload is carried by output.delta events.
type OutputDeltaPayload struct {
	Text string `json:"text"`
}

// OutputMessagePayload is carried by output.message events.
type OutputMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCallPayload is carried by tool.call events.
type ToolCallPayload struct {
	CallID string          `json:"callId"`
	ToolID string          `json:"toolId"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload is carried by tool.result events.
type ToolResultPayload struct {
	CallID     string          `json:"callId"`
	ToolID     string          `json:"toolId"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Approved   bool            `json:"approved"`
}

// ApprovalRequestedPayload is carried by approval.requested events.
type ApprovalRequestedPayload struct {
	ApprovalID string          `json:"approvalId"`
	CallID     string          `json:"callId"`
	ToolID     string          `json:"toolId"`
	Args       json.RawMessage `json:"args,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Risk       *RiskProfile    `json:"risk,omitempty"`
}

// ApprovalResolvedPayload is carried by approval.resolved events. Decision is
// always present, including on deny.
type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// EngineRequestPayload is carried by engine.request events.
type EngineRequestPayload struct {
	Model       string `json:"model"`
	InputTokens int    `json:"inputTokens"`
	StepNumber  int    `json:"stepNumber"`
}

// EngineResponsePayload is carried by engine.response events.
type EngineResponsePayload struct {
	OutputTokens int    `json:"outputTokens"`
	FinishReason string `json:"finishReason,omitempty"`
	StepNumber   int    `json:"stepNumber"`
}

// MemoryObservedPayload is carried by memory.observed events.
type MemoryObservedPayload struct {
	Observations      []Observation `json:"observations"`
	ProcessedSeqRange SeqRange      `json:"processedSeqRange"`
}

// MemoryReflectedPayload is carried by memory.reflected events.
type MemoryReflectedPayload struct {
	Reflections []Reflection `json:"reflections"`
}

// SeqRange is an inclusive range of per-run sequence numbers.
type SeqRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ArtifactEmittedPayload is carried by artifact.emitted events.
type ArtifactEmittedPayload struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Path       string `json:"path,omitempty"`
}
