package models

import (
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// TokenUsage accumulates provider token counts for a run.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add accumulates usage from a single engine step.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.Input += delta.Input
	u.Output += delta.Output
}

// RunConfig is the caller-supplied configuration for a new run.
type RunConfig struct {
	// SessionID identifies the conversational context. Required.
	SessionID string `json:"sessionId"`

	// Prompt is the user message that starts the run. Required.
	Prompt string `json:"prompt"`

	// Model overrides the configured default model.
	Model string `json:"model,omitempty"`

	// Workspace overrides the configured workspace root.
	Workspace string `json:"workspace,omitempty"`

	// Skills selects active skills by name. Empty means all discovered.
	Skills []string `json:"skills,omitempty"`

	// MaxSteps caps engine tool-loop iterations. Default 25.
	MaxSteps int `json:"maxSteps,omitempty"`
}

// RunRecord is the in-memory state of a run. It is rebuildable from the
// ledger and may be evicted once terminal.
type RunRecord struct {
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Model     string   `json:"model,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	MaxSteps  int      `json:"maxSteps,omitempty"`

	// CurrentStep is the number of engine steps finished so far.
	CurrentStep int `json:"currentStep"`

	// TokenUsage aggregates provider token counts across steps.
	TokenUsage TokenUsage `json:"tokenUsage"`
}

// Clone returns a copy safe to hand outside the run manager.
func (r *RunRecord) Clone() *RunRecord {
	clone := *r
	clone.Skills = append([]string(nil), r.Skills...)
	return &clone
}

// Snapshot is a materialized projection of a ledger prefix. Snapshots are
// derived caches; the ledger stays authoritative.
type Snapshot struct {
	SnapshotID string `json:"snapshotId"`
	SessionID  string `json:"sessionId"`
	RunID      string `json:"runId,omitempty"`

	// Seq is the last ledger sequence folded into this snapshot.
	Seq int64 `json:"seq"`

	// Type is one of "run", "session", "checkpoint".
	Type string `json:"type"`

	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot types.
const (
	SnapshotTypeRun        = "run"
	SnapshotTypeSession    = "session"
	SnapshotTypeCheckpoint = "checkpoint"
)
