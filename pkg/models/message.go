package models

// EngineMessage is one conversation message in an engine request, projected
// from the ledger or supplied by the caller.
type EngineMessage struct {
	// Role is "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the message text. Tool results are stringified: string
	// results pass through, everything else is JSON.
	Content string `json:"content"`

	// ToolCallID links assistant tool-call messages and tool results to the
	// originating call.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName names the tool for tool-call and tool-result messages.
	ToolName string `json:"toolName,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
