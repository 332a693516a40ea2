// Package memory distills ledger events into observations and reflections.
// Distillation runs in the background after a run completes and persists its
// progress as session snapshots; the ledger stays the source of truth.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	// DefaultObservationThreshold is the minimum number of undistilled
	// events before the observer runs.
	DefaultObservationThreshold = 20

	// DefaultReflectionThreshold is the minimum number of accumulated
	// observations before the reflector runs.
	DefaultReflectionThreshold = 10
)

// Options configures a Service. Zero thresholds take the defaults.
type Options struct {
	Model                string
	ObservationThreshold int
	ReflectionThreshold  int
}

// Service is the background distiller. It shares the run's provider but
// never its lifecycle: distillation failures are logged and swallowed.
//
// Thread Safety:
// Service is safe for concurrent use; distillations serialize so snapshot
// reads and writes never race each other.
type Service struct {
	ledger   *ledger.Store
	provider engine.StepProvider
	model    string
	logger   *slog.Logger

	observationThreshold int
	reflectionThreshold  int

	mu sync.Mutex
}

// NewService creates a memory service over the ledger and provider.
func NewService(store *ledger.Store, provider engine.StepProvider, opts Options) *Service {
	s := &Service{
		ledger:               store,
		provider:             provider,
		model:                opts.Model,
		logger:               slog.Default().With("component", "memory"),
		observationThreshold: opts.ObservationThreshold,
		reflectionThreshold:  opts.ReflectionThreshold,
	}
	if s.observationThreshold <= 0 {
		s.observationThreshold = DefaultObservationThreshold
	}
	if s.reflectionThreshold <= 0 {
		s.reflectionThreshold = DefaultReflectionThreshold
	}
	return s
}

// ProcessSession distills the session's undistilled events. runID names the
// run the memory events are appended under, normally the run that just
// completed. Errors never propagate to the caller.
func (s *Service) ProcessSession(ctx context.Context, sessionID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.distill(ctx, sessionID, runID); err != nil {
		s.logger.Warn("distillation failed", "sessionId", sessionID, "error", err)
	}
}

func (s *Service) distill(ctx context.Context, sessionID, runID string) error {
	mem, err := LoadSession(ctx, s.ledger, sessionID)
	if err != nil {
		return err
	}
	if mem == nil {
		mem = &models.SessionMemory{}
	}

	events, err := s.ledger.Events(ctx, ledger.Query{SessionID: sessionID})
	if err != nil {
		return err
	}
	pending := PendingEvents(mem, events)
	if len(pending) < s.observationThreshold {
		s.logger.Debug("below observation threshold",
			"sessionId", sessionID, "pending", len(pending), "threshold", s.observationThreshold)
		return nil
	}

	observations := s.observe(ctx, pending)
	first, last := pending[0], pending[len(pending)-1]
	observed := models.MemoryObservedPayload{
		Observations:      observations,
		ProcessedSeqRange: models.SeqRange{Start: first.Seq, End: last.Seq},
	}
	if err := s.append(ctx, runID, sessionID, models.EventMemoryObserved, observed); err != nil {
		return err
	}

	mem.Observations = append(mem.Observations, observations...)
	if len(mem.Observations) >= s.reflectionThreshold {
		if reflections := s.reflect(ctx, mem.Observations); len(reflections) > 0 {
			reflected := models.MemoryReflectedPayload{Reflections: reflections}
			if err := s.append(ctx, runID, sessionID, models.EventMemoryReflected, reflected); err != nil {
				return err
			}
			mem.Reflections = mergeReflections(mem.Reflections, reflections)
			// Reflected observations are consumed; the next cycle starts fresh.
			mem.Observations = nil
		}
	}

	if mem.RunWatermarks == nil {
		mem.RunWatermarks = make(map[string]int64)
	}
	for _, ev := range pending {
		if ev.Seq > mem.RunWatermarks[ev.RunID] {
			mem.RunWatermarks[ev.RunID] = ev.Seq
		}
	}
	mem.LastObservedSeq = last.Seq

	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("memory: marshal session memory: %w", err)
	}
	_, err = s.ledger.CreateSnapshot(ctx, ledger.SnapshotParams{
		SessionID: sessionID,
		RunID:     last.RunID,
		Seq:       last.Seq,
		Type:      models.SnapshotTypeSession,
		Data:      data,
	})
	if err != nil {
		return err
	}

	s.logger.Info("session distilled",
		"sessionId", sessionID,
		"events", len(pending),
		"observations", len(observations),
		"reflections", len(mem.Reflections))
	return nil
}

// LoadSession reads the latest session-typed snapshot's memory, or nil when
// the session has never been distilled.
func LoadSession(ctx context.Context, store *ledger.Store, sessionID string) (*models.SessionMemory, error) {
	snap, err := store.LatestSnapshot(ctx, ledger.SnapshotFilter{
		SessionID: sessionID,
		Type:      models.SnapshotTypeSession,
	})
	if err != nil {
		return nil, err
	}
	if snap == nil || len(snap.Data) == 0 {
		return nil, nil
	}
	mem := &models.SessionMemory{}
	if err := json.Unmarshal(snap.Data, mem); err != nil {
		return nil, fmt.Errorf("memory: decode session snapshot: %w", err)
	}
	return mem, nil
}

// PendingEvents filters the session's events to those past the per-run
// watermarks, ordered by append time. Memory events themselves never feed
// back into distillation.
func PendingEvents(mem *models.SessionMemory, events []*models.Event) []*models.Event {
	var pending []*models.Event
	for _, ev := range events {
		if ev.Type == models.EventMemoryObserved || ev.Type == models.EventMemoryReflected {
			continue
		}
		if mem != nil && ev.Seq <= mem.RunWatermarks[ev.RunID] {
			continue
		}
		pending = append(pending, ev)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].TS != pending[j].TS {
			return pending[i].TS < pending[j].TS
		}
		return pending[i].Seq < pending[j].Seq
	})
	return pending
}

func (s *Service) append(ctx context.Context, runID, sessionID string, eventType models.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory: marshal %s payload: %w", eventType, err)
	}
	_, err = s.ledger.Append(ctx, runID, sessionID, eventType, data)
	return err
}

// mergeReflections folds new reflections into existing ones, replacing
// entries that share a topic.
func mergeReflections(existing, incoming []models.Reflection) []models.Reflection {
	byTopic := make(map[string]int, len(existing))
	for i, r := range existing {
		byTopic[r.Topic] = i
	}
	out := append([]models.Reflection(nil), existing...)
	for _, r := range incoming {
		if i, ok := byTopic[r.Topic]; ok {
			out[i] = r
			continue
		}
		byTopic[r.Topic] = len(out)
		out = append(out, r)
	}
	return out
}
