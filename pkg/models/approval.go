package models

import (
	"encoding/json"
	"time"
)

// ApprovalDecision is the outcome of an approval request.
type ApprovalDecision string

const (
	// ApprovalApprove allows the suspended tool call to execute.
	ApprovalApprove ApprovalDecision = "approve"
	// ApprovalDeny rejects the suspended tool call.
	ApprovalDeny ApprovalDecision = "deny"
)

// PendingApproval is a suspended tool call awaiting an external decision.
// It lives only between approval.requested and resolution or cancellation.
type PendingApproval struct {
	ApprovalID string          `json:"approvalId"`
	CallID     string          `json:"callId"`
	ToolID     string          `json:"toolId"`
	Args       json.RawMessage `json:"args,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Risk       *RiskProfile    `json:"risk,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ApprovalResolution carries the decision made for a pending approval.
type ApprovalResolution struct {
	Decision   ApprovalDecision `json:"decision"`
	Reason     string           `json:"reason,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
}

// RiskCategory classifies what a tool touches.
type RiskCategory string

const (
	RiskCategoryRead    RiskCategory = "read"
	RiskCategoryWrite   RiskCategory = "write"
	RiskCategoryExec    RiskCategory = "exec"
	RiskCategoryNetwork RiskCategory = "network"
)

// RiskImpact estimates the blast radius of a tool call.
type RiskImpact string

const (
	RiskImpactSmall  RiskImpact = "small"
	RiskImpactMedium RiskImpact = "medium"
	RiskImpactLarge  RiskImpact = "large"
)

// RiskProfile is the computed risk assessment for a single tool call.
type RiskProfile struct {
	ToolID          string       `json:"toolId"`
	Category        RiskCategory `json:"category"`
	EstimatedImpact RiskImpact   `json:"estimatedImpact"`
	TouchesSecrets  bool         `json:"touchesSecrets"`
	TouchesConfig   bool         `json:"touchesConfig"`
	TouchesBuild    bool         `json:"touchesBuild"`
}

// ControlPath is the policy verdict for a tool call.
type ControlPath string

const (
	// ControlAuto executes without interaction.
	ControlAuto ControlPath = "auto"
	// ControlPreview suspends for approval with a rendered preview.
	ControlPreview ControlPath = "preview"
	// ControlApproval suspends for an explicit decision.
	ControlApproval ControlPath = "approval"
	// ControlDeny refuses execution outright.
	ControlDeny ControlPath = "deny"
)

// Gated reports whether the control path suspends the call on the gate.
func (p ControlPath) Gated() bool {
	return p == ControlApproval || p == ControlPreview
}
