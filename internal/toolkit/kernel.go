package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/strand/internal/policy"
	"github.com/haasonsaas/strand/pkg/models"
)

// TruncationMarker is appended to string output cut at the maxStdout limit.
const TruncationMarker = "\n[output truncated]"

// configMarkers flag paths whose edits touch configuration.
var configMarkers = []string{".env", "config.", "tsconfig.", "package.json", "policy.yaml"}

// buildMarkers flag paths whose edits touch the build toolchain.
var buildMarkers = []string{"webpack", "vite", "turbo", "next.config", "Makefile"}

// Kernel registers capability tools and executes them under policy.
//
// Thread Safety:
// Kernel is safe for concurrent use. Registration normally happens once at
// startup; execution takes read locks only.
type Kernel struct {
	workspaceRoot string
	policy        *policy.Policy
	logger        *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	compiled map[string]*jsonschema.Schema
}

// NewKernel creates a kernel rooted at workspaceRoot with the built-in
// capability tools registered.
func NewKernel(workspaceRoot string, pol *policy.Policy) (*Kernel, error) {
	if pol == nil {
		pol = policy.Default()
	}
	k := &Kernel{
		workspaceRoot: workspaceRoot,
		policy:        pol,
		logger:        slog.Default().With("component", "toolkit"),
		handlers:      make(map[string]Handler),
		compiled:      make(map[string]*jsonschema.Schema),
	}
	builtins := []Handler{
		&ReadTool{},
		&PatchTool{},
		&SearchTool{},
		&ProcessTool{},
		&EditTool{},
	}
	for _, h := range builtins {
		if err := k.Register(h); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Register adds a handler. Duplicate ids fail.
func (k *Kernel) Register(h Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.handlers[h.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, h.Name())
	}
	k.handlers[h.Name()] = h
	return nil
}

// Tool returns the handler registered under id.
func (k *Kernel) Tool(id string) (Handler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handlers[id]
	return h, ok
}

// Tools returns all handlers sorted by id.
func (k *Kernel) Tools() []Handler {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Handler, 0, len(k.handlers))
	for _, h := range k.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WorkspaceRoot returns the default workspace root.
func (k *Kernel) WorkspaceRoot() string { return k.workspaceRoot }

// ValidatePath resolves target against the default workspace root and the
// policy deny globs.
func (k *Kernel) ValidatePath(target string) (string, error) {
	return k.jail("").Validate(target)
}

// AssessRisk computes the risk profile for a call before execution. The
// category comes from the handler; impact and the touches* flags come from
// the args.
func (k *Kernel) AssessRisk(toolID string, args json.RawMessage) (*models.RiskProfile, error) {
	h, ok := k.Tool(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}

	var probe struct {
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	if len(args) > 0 {
		// Risk probing tolerates malformed args; schema validation
		// rejects them at execute time.
		_ = json.Unmarshal(args, &probe)
	}

	profile := &models.RiskProfile{ToolID: toolID, Category: h.Category()}

	switch h.Category() {
	case models.RiskCategoryRead:
		profile.EstimatedImpact = models.RiskImpactSmall
	case models.RiskCategoryExec:
		profile.EstimatedImpact = models.RiskImpactMedium
		fields := strings.Fields(probe.Command)
		if len(fields) > 0 {
			for _, cmd := range k.policy.Risk.HighRiskCommands {
				if fields[0] == cmd {
					profile.EstimatedImpact = models.RiskImpactLarge
					break
				}
			}
		}
	default:
		profile.EstimatedImpact = models.RiskImpactMedium
	}

	haystack := strings.ToUpper(probe.Path + " " + probe.Command)
	for _, key := range k.policy.Redaction.Keys {
		if strings.Contains(haystack, strings.ToUpper(key)) {
			profile.TouchesSecrets = true
			break
		}
	}
	for _, marker := range configMarkers {
		if strings.Contains(probe.Path, marker) {
			profile.TouchesConfig = true
			break
		}
	}
	for _, marker := range buildMarkers {
		if strings.Contains(probe.Path, marker) {
			profile.TouchesBuild = true
			break
		}
	}

	return profile, nil
}

// ControlPath resolves the control path for a call via the policy engine.
func (k *Kernel) ControlPath(toolID string, args json.RawMessage) (models.ControlPath, error) {
	risk, err := k.AssessRisk(toolID, args)
	if err != nil {
		return "", err
	}
	return k.policy.Resolve(toolID, risk), nil
}

// NeedsApproval reports whether the call must pass the approval gate.
func (k *Kernel) NeedsApproval(toolID string, args json.RawMessage) (bool, error) {
	path, err := k.ControlPath(toolID, args)
	if err != nil {
		return false, err
	}
	return path.Gated(), nil
}

// Execute validates args against the tool schema, runs the handler under
// the policy timeout inside the workspace jail, and applies output limits.
// workspaceOverride, when non-empty, replaces the default root for this
// call only.
func (k *Kernel) Execute(ctx context.Context, toolID string, args json.RawMessage, runID, sessionID, workspaceOverride string) (any, error) {
	h, ok := k.Tool(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}

	if err := k.validateArgs(toolID, h, args); err != nil {
		return nil, err
	}

	ec := ExecContext{
		Jail:      k.jail(workspaceOverride),
		RunID:     runID,
		SessionID: sessionID,
		MaxStdout: k.policy.Limits.MaxStdout,
	}

	timeout := k.policy.TimeoutFor(toolID)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result any
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: fmt.Errorf("toolkit: %s panicked: %v\n%s", toolID, r, debug.Stack())}
			}
		}()
		result, err := h.Execute(execCtx, ec, args)
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return k.applyLimits(res.result), nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		k.logger.Warn("tool timed out", "tool_id", toolID, "run_id", runID, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, toolID, timeout)
	}
}

func (k *Kernel) validateArgs(toolID string, h Handler, args json.RawMessage) error {
	k.mu.Lock()
	schema, ok := k.compiled[toolID]
	if !ok {
		var err error
		schema, err = jsonschema.CompileString(toolID+".json", string(h.Schema()))
		if err != nil {
			k.mu.Unlock()
			return fmt.Errorf("toolkit: compile schema for %s: %w", toolID, err)
		}
		k.compiled[toolID] = schema
	}
	k.mu.Unlock()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, toolID, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, toolID, err)
	}
	return nil
}

func (k *Kernel) jail(workspaceOverride string) *Jail {
	root := k.workspaceRoot
	if workspaceOverride != "" {
		root = workspaceOverride
	}
	return NewJail(root, k.policy.Workspace.DenyPatterns)
}

// applyLimits truncates oversized string results.
func (k *Kernel) applyLimits(result any) any {
	s, ok := result.(string)
	if !ok || k.policy.Limits.MaxStdout <= 0 || len(s) <= k.policy.Limits.MaxStdout {
		return result
	}
	return s[:k.policy.Limits.MaxStdout] + TruncationMarker
}
