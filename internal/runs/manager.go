// Package runs owns run records, the session lock set, and event emission.
// It enforces the run lifecycle state machine and fans appended events out to
// in-process listeners in append order.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/approval"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/pkg/models"
)

// Listener receives every event appended through the manager, in append
// order for a given run. Listener panics are isolated; they never break
// emission or other listeners.
type Listener func(*models.Event)

// Manager drives run lifecycles.
//
// Thread Safety:
// Manager is safe for concurrent use. State transitions hold the manager
// lock across ledger emission of the transition event so the session lock
// set and the ledger never disagree; listener dispatch happens outside.
type Manager struct {
	ledger *ledger.Store
	gate   *approval.Gate
	logger *slog.Logger

	mu           sync.Mutex
	records      map[string]*models.RunRecord
	sessionLocks map[string]string // sessionID -> runID holding the lock
	emitLocks    map[string]*sync.Mutex

	listenerMu   sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// NewManager creates a run manager over the given ledger and approval gate.
func NewManager(store *ledger.Store, gate *approval.Gate) *Manager {
	return &Manager{
		ledger:       store,
		gate:         gate,
		logger:       slog.Default().With("component", "runs"),
		records:      make(map[string]*models.RunRecord),
		sessionLocks: make(map[string]string),
		emitLocks:    make(map[string]*sync.Mutex),
		listeners:    make(map[int]Listener),
	}
}

// Gate returns the approval gate owned by this manager.
func (m *Manager) Gate() *approval.Gate { return m.gate }

// Ledger returns the backing ledger.
func (m *Manager) Ledger() *ledger.Store { return m.ledger }

// CreateRun registers a new run record in the created state. It fails with
// ErrSessionBusy when the session is locked by an active run. It does not
// lock the session and emits nothing; StartRun does both.
func (m *Manager) CreateRun(cfg models.RunConfig) (*models.RunRecord, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("runs: sessionID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, locked := m.sessionLocks[cfg.SessionID]; locked {
		return nil, ErrSessionBusy
	}

	now := time.Now()
	record := &models.RunRecord{
		RunID:     uuid.New().String(),
		SessionID: cfg.SessionID,
		State:     models.RunStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Model:     cfg.Model,
		Workspace: cfg.Workspace,
		Prompt:    cfg.Prompt,
		Skills:    append([]string(nil), cfg.Skills...),
		MaxSteps:  cfg.MaxSteps,
	}
	m.records[record.RunID] = record
	m.emitLocks[record.RunID] = &sync.Mutex{}

	m.logger.Info("run created", "run_id", record.RunID, "session_id", record.SessionID)
	return record.Clone(), nil
}

// StartRun transitions created -> running, locks the session, and emits
// run.started as the first event of the run.
func (m *Manager) StartRun(ctx context.Context, runID string) (*models.Event, error) {
	return m.transition(ctx, runID, models.RunStateRunning, func(r *models.RunRecord) (models.EventType, json.RawMessage) {
		return models.EventRunStarted, models.MustPayload(models.RunStartedPayload{
			Prompt:    r.Prompt,
			Model:     r.Model,
			Workspace: r.Workspace,
			Skills:    r.Skills,
		})
	})
}

// PauseRun transitions running -> paused while a tool call waits on the
// approval gate.
func (m *Manager) PauseRun(ctx context.Context, runID, approvalID string) (*models.Event, error) {
	return m.transition(ctx, runID, models.RunStatePaused, func(r *models.RunRecord) (models.EventType, json.RawMessage) {
		return models.EventRunPaused, models.MustPayload(models.RunPausedPayload{
			Reason:     "approval",
			ApprovalID: approvalID,
		})
	})
}

// ResumeRun transitions paused -> running after the gate resolves.
func (m *Manager) ResumeRun(ctx context.Context, runID string) (*models.Event, error) {
	return m.transition(ctx, runID, models.RunStateRunning, func(r *models.RunRecord) (models.EventType, json.RawMessage) {
		return models.EventRunResumed, nil
	})
}

// CompleteRun transitions running -> completed, unlocks the session, cancels
// stranded approvals, and emits run.completed with aggregate counters.
func (m *Manager) CompleteRun(ctx context.Context, runID, summary string) (*models.Event, error) {
	return m.transition(ctx, runID, models.RunStateCompleted, func(r *models.RunRecord) (models.EventType, json.RawMessage) {
		return models.EventRunCompleted, models.MustPayload(models.RunCompletedPayload{
			Summary:    summary,
			Steps:      r.CurrentStep,
			TokenUsage: r.TokenUsage,
		})
	})
}

// FailRun transitions any active state -> failed, unlocks the session,
// cancels stranded approvals, and emits run.failed. The record is marked
// failed even when the terminal append itself fails, so the session never
// stays locked behind a dead run.
func (m *Manager) FailRun(ctx context.Context, runID, message, code string) (*models.Event, error) {
	return m.transition(ctx, runID, models.RunStateFailed, func(r *models.RunRecord) (models.EventType, json.RawMessage) {
		return models.EventRunFailed, models.MustPayload(models.RunFailedPayload{
			Error: message,
			Code:  code,
		})
	})
}

// validTransition implements the lifecycle table. Terminal states admit
// nothing.
func validTransition(from, to models.RunState) bool {
	switch from {
	case models.RunStateCreated:
		return to == models.RunStateRunning || to == models.RunStateFailed
	case models.RunStateRunning:
		return to == models.RunStatePaused || to == models.RunStateCompleted || to == models.RunStateFailed
	case models.RunStatePaused:
		return to == models.RunStateRunning || to == models.RunStateFailed
	default:
		return false
	}
}

func (m *Manager) transition(ctx context.Context, runID string, to models.RunState, build func(*models.RunRecord) (models.EventType, json.RawMessage)) (*models.Event, error) {
	emitLock := m.emitLock(runID)
	if emitLock == nil {
		return nil, ErrRunNotFound
	}
	emitLock.Lock()
	defer emitLock.Unlock()

	m.mu.Lock()
	record, ok := m.records[runID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRunNotFound
	}
	if !validTransition(record.State, to) {
		from := record.State
		m.mu.Unlock()
		return nil, &InvalidTransitionError{RunID: runID, From: from, To: to}
	}

	from := record.State
	record.State = to
	record.UpdatedAt = time.Now()

	switch {
	case from == models.RunStateCreated && to == models.RunStateRunning:
		m.sessionLocks[record.SessionID] = runID
	case to.IsTerminal():
		if m.sessionLocks[record.SessionID] == runID {
			delete(m.sessionLocks, record.SessionID)
		}
	}

	eventType, payload := build(record)
	sessionID := record.SessionID
	m.mu.Unlock()

	if to.IsTerminal() {
		m.gate.CancelAll()
	}

	event, err := m.ledger.Append(ctx, runID, sessionID, eventType, payload)
	if err != nil {
		m.logger.Error("transition append failed", "run_id", runID, "to", string(to), "error", err)
		return nil, err
	}

	m.logger.Info("run transition", "run_id", runID, "from", string(from), "to", string(to))
	m.broadcast(event)
	return event, nil
}

// Emit appends a non-transition event on behalf of the engine or tools and
// broadcasts it. Emitting on a terminal run fails: exactly one terminal
// event ends a run and nothing follows it.
func (m *Manager) Emit(ctx context.Context, runID string, eventType models.EventType, payload json.RawMessage) (*models.Event, error) {
	emitLock := m.emitLock(runID)
	if emitLock == nil {
		return nil, ErrRunNotFound
	}
	emitLock.Lock()
	defer emitLock.Unlock()

	m.mu.Lock()
	record, ok := m.records[runID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRunNotFound
	}
	if record.State.IsTerminal() {
		m.mu.Unlock()
		return nil, ErrRunTerminal
	}
	sessionID := record.SessionID
	m.mu.Unlock()

	event, err := m.ledger.Append(ctx, runID, sessionID, eventType, payload)
	if err != nil {
		return nil, err
	}

	m.broadcast(event)
	return event, nil
}

// IncrementStep bumps the run's finished step counter.
func (m *Manager) IncrementStep(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[runID]; ok {
		record.CurrentStep++
		record.UpdatedAt = time.Now()
	}
}

// AddTokenUsage accumulates provider token counts on the record.
func (m *Manager) AddTokenUsage(runID string, usage models.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[runID]; ok {
		record.TokenUsage.Add(usage)
		record.UpdatedAt = time.Now()
	}
}

// GetRun returns a copy of the run record, or ErrRunNotFound.
func (m *Manager) GetRun(runID string) (*models.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return record.Clone(), nil
}

// ActiveRun returns the run currently holding the session lock, or nil.
func (m *Manager) ActiveRun(sessionID string) *models.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	runID, ok := m.sessionLocks[sessionID]
	if !ok {
		return nil
	}
	if record, ok := m.records[runID]; ok {
		return record.Clone()
	}
	return nil
}

// IsSessionLocked reports whether the session has an active run.
func (m *Manager) IsSessionLocked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessionLocks[sessionID]
	return ok
}

// EvictRun drops a terminal run record from memory. The run stays
// reconstructable from the ledger.
func (m *Manager) EvictRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[runID]
	if !ok || !record.State.IsTerminal() {
		return
	}
	delete(m.records, runID)
	delete(m.emitLocks, runID)
}

// OnEvent subscribes to every event appended through the manager. The
// returned function unsubscribes. A listener added mid-emission sees only
// events appended strictly after OnEvent returns.
func (m *Manager) OnEvent(fn Listener) func() {
	m.listenerMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *Manager) emitLock(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitLocks[runID]
}

func (m *Manager) broadcast(event *models.Event) {
	m.listenerMu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("listener panic", "panic", r, "event_type", string(event.Type))
				}
			}()
			fn(event)
		}()
	}
}
