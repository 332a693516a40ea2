// Package approval provides the registry of suspended tool calls awaiting an
// out-of-band decision.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrNotFound is returned when resolving an unknown approval id.
	ErrNotFound = errors.New("approval: not found")

	// ErrCancelled is delivered to waiters whose approval was cancelled
	// before a decision arrived.
	ErrCancelled = errors.New("approval: cancelled")
)

// Future is a one-shot handle on a pending decision. Await blocks until the
// approval is resolved, cancelled, or the context ends.
type Future struct {
	ch chan models.ApprovalResolution
}

// Await returns the resolution, ErrCancelled on cancellation, or the context
// error.
func (f *Future) Await(ctx context.Context) (models.ApprovalResolution, error) {
	select {
	case res, ok := <-f.ch:
		if !ok {
			return models.ApprovalResolution{}, ErrCancelled
		}
		return res, nil
	case <-ctx.Done():
		return models.ApprovalResolution{}, ctx.Err()
	}
}

// Request describes a tool call suspended for approval.
type Request struct {
	CallID  string
	ToolID  string
	Args    json.RawMessage
	Preview string
	Risk    *models.RiskProfile
}

type pendingEntry struct {
	record models.PendingApproval
	future *Future
}

// Gate registers suspended tool calls keyed by approval id. The gate emits no
// events itself; callers emit approval.requested before Request and
// approval.resolved after the future completes.
//
// Thread Safety:
// Gate is safe for concurrent use. Futures complete outside the lock.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	logger  *slog.Logger
}

// NewGate creates an empty approval gate.
func NewGate() *Gate {
	return &Gate{
		pending: make(map[string]*pendingEntry),
		logger:  slog.Default().With("component", "approval"),
	}
}

// Request registers a suspended tool call and returns its approval id with a
// future that resolves when a decision is made.
func (g *Gate) Request(req Request) (string, *Future) {
	id := uuid.New().String()
	entry := &pendingEntry{
		record: models.PendingApproval{
			ApprovalID: id,
			CallID:     req.CallID,
			ToolID:     req.ToolID,
			Args:       req.Args,
			Preview:    req.Preview,
			Risk:       req.Risk,
			CreatedAt:  time.Now(),
		},
		// Buffered so Resolve never blocks on an abandoned waiter.
		future: &Future{ch: make(chan models.ApprovalResolution, 1)},
	}

	g.mu.Lock()
	g.pending[id] = entry
	g.mu.Unlock()

	g.logger.Debug("approval requested", "approval_id", id, "tool", req.ToolID, "call_id", req.CallID)
	return id, entry.future
}

// Resolve completes the pending approval with the given decision. Returns
// ErrNotFound for unknown ids.
func (g *Gate) Resolve(approvalID string, res models.ApprovalResolution) error {
	g.mu.Lock()
	entry, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	entry.future.ch <- res
	close(entry.future.ch)
	g.logger.Info("approval resolved", "approval_id", approvalID, "decision", res.Decision)
	return nil
}

// Cancel removes the pending approval and fails its future with ErrCancelled.
// Returns ErrNotFound for unknown ids.
func (g *Gate) Cancel(approvalID string) error {
	g.mu.Lock()
	entry, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	close(entry.future.ch)
	g.logger.Info("approval cancelled", "approval_id", approvalID)
	return nil
}

// CancelAll fails every pending future with ErrCancelled. Called on run
// termination so no waiter is stranded.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	entries := make([]*pendingEntry, 0, len(g.pending))
	for _, entry := range g.pending {
		entries = append(entries, entry)
	}
	g.pending = make(map[string]*pendingEntry)
	g.mu.Unlock()

	for _, entry := range entries {
		close(entry.future.ch)
	}
	if len(entries) > 0 {
		g.logger.Info("cancelled pending approvals", "count", len(entries))
	}
}

// Pending returns the suspended approvals, oldest first.
func (g *Gate) Pending() []models.PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.PendingApproval, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HasPending reports whether the approval id is still suspended.
func (g *Gate) HasPending(approvalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[approvalID]
	return ok
}

// Size returns the number of suspended approvals.
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
