package runs

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrSessionBusy is returned when creating a run on a session that
	// already has an active run.
	ErrSessionBusy = errors.New("runs: session already has an active run")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("runs: run not found")

	// ErrRunTerminal is returned when emitting on a run that already reached
	// a terminal state.
	ErrRunTerminal = errors.New("runs: run is terminal")
)

// InvalidTransitionError reports an illegal state machine step.
type InvalidTransitionError struct {
	RunID string
	From  models.RunState
	To    models.RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("runs: invalid transition %s -> %s for run %s", e.From, e.To, e.RunID)
}
