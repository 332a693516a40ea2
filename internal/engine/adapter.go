package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/strand/internal/approval"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/toolkit"
	"github.com/haasonsaas/strand/pkg/models"
)

// previewLimit caps the argument excerpt shown on approval requests.
const previewLimit = 200

// DeniedResult is the sentinel a denied tool call returns to the model.
type DeniedResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Adapter converts the provider chunk stream into ledger events and couples
// gated tool calls to the approval gate.
type Adapter struct {
	runs   *runs.Manager
	kernel *toolkit.Kernel
	loop   *Loop
	logger *slog.Logger
}

// NewAdapter creates an adapter over the run manager, tool kernel, and
// provider.
func NewAdapter(manager *runs.Manager, kernel *toolkit.Kernel, provider StepProvider) *Adapter {
	return &Adapter{
		runs:   manager,
		kernel: kernel,
		loop:   NewLoop(provider),
		logger: slog.Default().With("component", "engine"),
	}
}

// Run drives the tool loop for one run, emitting the canonical event
// sequence. It returns when the loop ends; errors mean the caller should
// mark the run failed.
func (a *Adapter) Run(ctx context.Context, req *RunRequest) error {
	if err := a.emit(ctx, req.RunID, models.EventEngineRequest, models.EngineRequestPayload{
		Model:       req.RunConfig.Model,
		InputTokens: 0,
		StepNumber:  0,
	}); err != nil {
		return err
	}

	exec := func(ctx context.Context, callID, toolID string, args json.RawMessage) (any, error) {
		return a.executeTool(ctx, req, callID, toolID, args)
	}

	stepNumber := 0
	var buffer strings.Builder

	for chunk := range a.loop.Stream(ctx, req, exec) {
		switch chunk.Kind {
		case ChunkTextDelta:
			buffer.WriteString(chunk.Text)
			if err := a.emit(ctx, req.RunID, models.EventOutputDelta, models.OutputDeltaPayload{Text: chunk.Text}); err != nil {
				return err
			}

		case ChunkToolCall:
			if err := a.emit(ctx, req.RunID, models.EventToolCall, models.ToolCallPayload{
				CallID: chunk.ToolCallID,
				ToolID: chunk.ToolName,
				Args:   chunk.Args,
			}); err != nil {
				return err
			}

		case ChunkToolResult:
			if err := a.emit(ctx, req.RunID, models.EventToolResult, models.ToolResultPayload{
				CallID:     chunk.ToolCallID,
				ToolID:     chunk.ToolName,
				Result:     marshalResult(chunk.Result),
				DurationMs: 0,
				Approved:   true,
			}); err != nil {
				return err
			}

		case ChunkStepFinish:
			if buffer.Len() > 0 {
				if err := a.emit(ctx, req.RunID, models.EventOutputMessage, models.OutputMessagePayload{
					Role:    models.RoleAssistant,
					Content: buffer.String(),
				}); err != nil {
					return err
				}
				buffer.Reset()
			}
			if err := a.emit(ctx, req.RunID, models.EventEngineResponse, models.EngineResponsePayload{
				OutputTokens: chunk.Usage.Output,
				FinishReason: chunk.FinishReason,
				StepNumber:   stepNumber,
			}); err != nil {
				return err
			}
			stepNumber++
			a.runs.IncrementStep(req.RunID)
			a.runs.AddTokenUsage(req.RunID, chunk.Usage)

		case ChunkError:
			return chunk.Err
		}
	}

	return nil
}

// executeTool resolves the control path and runs the call, suspending on
// the approval gate when gated. A deny verdict returns the sentinel result
// instead of executing.
func (a *Adapter) executeTool(ctx context.Context, req *RunRequest, callID, toolID string, args json.RawMessage) (any, error) {
	controlPath, err := a.kernel.ControlPath(toolID, args)
	if err != nil {
		return nil, err
	}

	switch {
	case controlPath == models.ControlDeny:
		return &DeniedResult{Status: "denied", Reason: "denied by policy"}, nil

	case controlPath.Gated():
		return a.executeGated(ctx, req, callID, toolID, args)

	default:
		return a.kernel.Execute(ctx, toolID, args, req.RunID, req.SessionID, req.RunConfig.Workspace)
	}
}

func (a *Adapter) executeGated(ctx context.Context, req *RunRequest, callID, toolID string, args json.RawMessage) (any, error) {
	risk, err := a.kernel.AssessRisk(toolID, args)
	if err != nil {
		return nil, err
	}

	approvalID, future := a.runs.Gate().Request(approval.Request{
		CallID:  callID,
		ToolID:  toolID,
		Args:    args,
		Preview: buildPreview(toolID, args),
		Risk:    risk,
	})

	if err := a.emit(ctx, req.RunID, models.EventApprovalRequested, models.ApprovalRequestedPayload{
		ApprovalID: approvalID,
		CallID:     callID,
		ToolID:     toolID,
		Args:       args,
		Preview:    buildPreview(toolID, args),
		Risk:       risk,
	}); err != nil {
		a.runs.Gate().Cancel(approvalID)
		return nil, err
	}

	if _, err := a.runs.PauseRun(ctx, req.RunID, approvalID); err != nil {
		a.logger.Warn("pause failed", "run_id", req.RunID, "error", err)
	}

	resolution, err := future.Await(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.emit(ctx, req.RunID, models.EventApprovalResolved, models.ApprovalResolvedPayload{
		ApprovalID: approvalID,
		Decision:   string(resolution.Decision),
		Reason:     resolution.Reason,
		ResolvedBy: resolution.ResolvedBy,
	}); err != nil {
		return nil, err
	}

	var result any
	var execErr error
	if resolution.Decision == models.ApprovalApprove {
		result, execErr = a.kernel.Execute(ctx, toolID, args, req.RunID, req.SessionID, req.RunConfig.Workspace)
	} else {
		result = &DeniedResult{Status: "denied", Reason: resolution.Reason}
	}

	if _, err := a.runs.ResumeRun(ctx, req.RunID); err != nil {
		a.logger.Warn("resume failed", "run_id", req.RunID, "error", err)
	}

	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

func (a *Adapter) emit(ctx context.Context, runID string, eventType models.EventType, payload any) error {
	if _, err := a.runs.Emit(ctx, runID, eventType, models.MustPayload(payload)); err != nil {
		return fmt.Errorf("engine: emit %s: %w", eventType, err)
	}
	return nil
}

func marshalResult(result any) json.RawMessage {
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", result))
	}
	return data
}

func buildPreview(toolID string, args json.RawMessage) string {
	compact := string(args)
	if len(compact) > previewLimit {
		compact = compact[:previewLimit] + "..."
	}
	return fmt.Sprintf("%s(%s)", toolID, compact)
}
