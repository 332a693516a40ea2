// Package policy loads the workspace tool policy and maps (tool, risk)
// pairs to a control path. The policy is loaded once at construction; hot
// reload is out of scope.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/strand/pkg/models"
)

// Filename is the policy document looked up under the workspace root.
const Filename = "policy.yaml"

// DefaultToolTimeout applies when neither the capability nor the execution
// section names a timeout for the tool.
const DefaultToolTimeout = 60 * time.Second

// ApprovalMode configures when a capability suspends for approval.
type ApprovalMode string

const (
	// ApprovalNever always executes without interaction.
	ApprovalNever ApprovalMode = "never"
	// ApprovalAlways always suspends for approval.
	ApprovalAlways ApprovalMode = "always"
	// ApprovalRisk decides from the computed risk profile.
	ApprovalRisk ApprovalMode = "risk"
)

// Capability is the per-tool policy entry.
type Capability struct {
	Approval ApprovalMode `yaml:"approval"`

	// RiskThreshold is reserved for tuning risk-mode decisions.
	RiskThreshold string `yaml:"riskThreshold,omitempty"`

	// Timeout overrides the execution timeout, in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// Policy is the merged policy document.
type Policy struct {
	Workspace struct {
		DenyPatterns []string `yaml:"denyPatterns"`
	} `yaml:"workspace"`

	Execution struct {
		// Timeouts maps tool id to seconds.
		Timeouts map[string]int `yaml:"timeouts"`
	} `yaml:"execution"`

	Capabilities map[string]Capability `yaml:"capabilities"`

	Risk struct {
		HighRiskCommands []string `yaml:"highRiskCommands"`
	} `yaml:"risk"`

	Redaction struct {
		Keys []string `yaml:"keys"`
	} `yaml:"redaction"`

	Limits struct {
		MaxStdout   int `yaml:"maxStdout"`
		MaxDiffSize int `yaml:"maxDiffSize"`
	} `yaml:"limits"`
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{}
	p.Workspace.DenyPatterns = []string{"**/.git/**"}
	p.Execution.Timeouts = map[string]int{"process.run": 300}
	p.Capabilities = map[string]Capability{
		"repo.read":   {Approval: ApprovalNever},
		"repo.search": {Approval: ApprovalNever},
		"lint.run":    {Approval: ApprovalNever},
		"repo.patch":  {Approval: ApprovalAlways},
		"repo.edit":   {Approval: ApprovalAlways},
		"process.run": {Approval: ApprovalRisk},
		"test.run":    {Approval: ApprovalRisk},
	}
	p.Risk.HighRiskCommands = []string{"rm", "sudo", "curl", "wget", "chmod", "chown"}
	p.Redaction.Keys = []string{"SECRET", "TOKEN", "API_KEY", "PASSWORD", "PRIVATE_KEY"}
	p.Limits.MaxStdout = 20000
	p.Limits.MaxDiffSize = 200000
	return p
}

// Load reads <workspaceRoot>/policy.yaml when present and deep-merges it
// onto the defaults. A missing file yields the defaults unchanged.
func Load(workspaceRoot string) (*Policy, error) {
	path := filepath.Join(workspaceRoot, Filename)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	merged := merge(Default(), &overlay)
	slog.Default().With("component", "policy").Info("loaded workspace policy", "path", path)
	return merged, nil
}

// merge overlays non-zero sections of overlay onto base. Lists replace;
// maps merge per key.
func merge(base, overlay *Policy) *Policy {
	out := *base

	if len(overlay.Workspace.DenyPatterns) > 0 {
		out.Workspace.DenyPatterns = append([]string(nil), overlay.Workspace.DenyPatterns...)
	}
	if len(overlay.Execution.Timeouts) > 0 {
		timeouts := make(map[string]int, len(base.Execution.Timeouts)+len(overlay.Execution.Timeouts))
		for k, v := range base.Execution.Timeouts {
			timeouts[k] = v
		}
		for k, v := range overlay.Execution.Timeouts {
			timeouts[k] = v
		}
		out.Execution.Timeouts = timeouts
	}
	if len(overlay.Capabilities) > 0 {
		caps := make(map[string]Capability, len(base.Capabilities)+len(overlay.Capabilities))
		for k, v := range base.Capabilities {
			caps[k] = v
		}
		for k, v := range overlay.Capabilities {
			merged := caps[k]
			if v.Approval != "" {
				merged.Approval = v.Approval
			}
			if v.RiskThreshold != "" {
				merged.RiskThreshold = v.RiskThreshold
			}
			if v.Timeout > 0 {
				merged.Timeout = v.Timeout
			}
			caps[k] = merged
		}
		out.Capabilities = caps
	}
	if len(overlay.Risk.HighRiskCommands) > 0 {
		out.Risk.HighRiskCommands = append([]string(nil), overlay.Risk.HighRiskCommands...)
	}
	if len(overlay.Redaction.Keys) > 0 {
		out.Redaction.Keys = append([]string(nil), overlay.Redaction.Keys...)
	}
	if overlay.Limits.MaxStdout > 0 {
		out.Limits.MaxStdout = overlay.Limits.MaxStdout
	}
	if overlay.Limits.MaxDiffSize > 0 {
		out.Limits.MaxDiffSize = overlay.Limits.MaxDiffSize
	}

	return &out
}

// Resolve maps a tool and its computed risk profile to a control path.
// Unknown tools default to risk mode.
func (p *Policy) Resolve(toolID string, risk *models.RiskProfile) models.ControlPath {
	mode := ApprovalRisk
	if capability, ok := p.Capabilities[toolID]; ok && capability.Approval != "" {
		mode = capability.Approval
	}

	switch mode {
	case ApprovalNever:
		return models.ControlAuto
	case ApprovalAlways:
		return models.ControlApproval
	default:
		if risk == nil {
			return models.ControlAuto
		}
		if risk.EstimatedImpact == models.RiskImpactLarge || risk.TouchesSecrets || risk.TouchesConfig {
			return models.ControlApproval
		}
		if risk.EstimatedImpact == models.RiskImpactMedium {
			return models.ControlPreview
		}
		return models.ControlAuto
	}
}

// TimeoutFor returns the execution timeout for the tool: capability
// override first, then the execution section, then the default.
func (p *Policy) TimeoutFor(toolID string) time.Duration {
	if capability, ok := p.Capabilities[toolID]; ok && capability.Timeout > 0 {
		return time.Duration(capability.Timeout) * time.Second
	}
	if secs, ok := p.Execution.Timeouts[toolID]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultToolTimeout
}
