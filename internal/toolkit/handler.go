// Package toolkit is the tool kernel: a capability registry whose handlers
// run inside a workspace jail, gated by the policy engine's control paths
// and bounded by per-tool timeouts.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"

	invopop "github.com/invopop/jsonschema"

	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrToolNotFound is returned when no handler is registered for the id.
	ErrToolNotFound = errors.New("toolkit: tool not found")

	// ErrDuplicateTool is returned when a handler id is registered twice.
	ErrDuplicateTool = errors.New("toolkit: duplicate tool id")

	// ErrInvalidArgs is returned when tool args fail schema validation.
	ErrInvalidArgs = errors.New("toolkit: invalid args")

	// ErrExecutionTimeout is returned when a handler exceeds its policy
	// timeout.
	ErrExecutionTimeout = errors.New("toolkit: execution timeout")

	// ErrFileNotFound is returned by file tools when the target does not
	// exist.
	ErrFileNotFound = errors.New("toolkit: file not found")
)

// ExecContext carries the per-call environment a handler runs in. The jail
// is already scoped to the effective workspace root for the call.
type ExecContext struct {
	Jail      *Jail
	RunID     string
	SessionID string

	// MaxStdout bounds string output fields, in bytes.
	MaxStdout int
}

// Handler is a capability tool. Execute returns a JSON-marshalable result;
// structured failure shapes (repo.edit) are results, not errors.
type Handler interface {
	// Name returns the tool id, e.g. "repo.read".
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Category classifies the handler for risk assessment.
	Category() models.RiskCategory

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Params have already been validated against
	// Schema.
	Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error)
}

// schemaFor reflects a JSON schema from a tool input struct. Optional
// fields are marked omitempty on their json tags.
func schemaFor(v any) json.RawMessage {
	r := &invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
