// Package stream fans run events out to subscribers. A subscription replays
// the ledger past a resume point, then follows the live broadcast, closing
// on the run's terminal event.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/pkg/models"
)

// DefaultBufferSize bounds the live-event buffer per subscriber. When a slow
// consumer falls further behind, the oldest buffered events are dropped.
const DefaultBufferSize = 256

// ErrRunIDRequired is returned by Subscribe without a run id.
var ErrRunIDRequired = errors.New("stream: runID is required")

// SubscribeOptions select the run and the resume point. AfterSeq wins over
// LastEventID; an unknown LastEventID falls back to a full replay.
type SubscribeOptions struct {
	RunID       string
	AfterSeq    int64
	LastEventID string
	BufferSize  int
}

// Broker serves event subscriptions over the run manager and its ledger.
type Broker struct {
	manager *runs.Manager
	logger  *slog.Logger
}

// NewBroker creates a broker over the manager.
func NewBroker(manager *runs.Manager) *Broker {
	return &Broker{
		manager: manager,
		logger:  slog.Default().With("component", "stream"),
	}
}

// Subscribe returns a channel of the run's events starting after the resume
// point. The channel closes after the run's terminal event, on context
// cancellation, or when the resume point already lies past the terminal.
//
// The live listener attaches before the replay query, so no event can fall
// in the gap between them; duplicates are trimmed by sequence number.
func (b *Broker) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan *models.Event, error) {
	if opts.RunID == "" {
		return nil, ErrRunIDRequired
	}

	afterSeq := opts.AfterSeq
	if afterSeq == 0 && opts.LastEventID != "" {
		ev, err := b.manager.Ledger().GetEvent(ctx, opts.LastEventID)
		if err != nil {
			return nil, err
		}
		if ev != nil && ev.RunID == opts.RunID {
			afterSeq = ev.Seq
		} else {
			b.logger.Warn("unknown resume token, replaying from start",
				"runId", opts.RunID, "lastEventId", opts.LastEventID)
		}
	}

	if afterSeq > 0 {
		// A resume point at or past the terminal event leaves nothing to
		// replay and nothing live to wait for.
		terminal, err := b.manager.Ledger().Events(ctx, ledger.Query{
			RunID: opts.RunID,
			Types: []models.EventType{models.EventRunCompleted, models.EventRunFailed},
			Limit: 1,
		})
		if err != nil {
			return nil, err
		}
		if len(terminal) > 0 && terminal[0].Seq <= afterSeq {
			out := make(chan *models.Event)
			close(out)
			return out, nil
		}
	}

	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	sub := &subscriber{
		runID:      opts.RunID,
		bufferSize: bufferSize,
		notify:     make(chan struct{}, 1),
	}
	unsubscribe := b.manager.OnEvent(sub.push)

	replay, err := b.manager.Ledger().Events(ctx, ledger.Query{
		RunID:    opts.RunID,
		AfterSeq: afterSeq,
	})
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan *models.Event)
	go b.forward(ctx, sub, out, replay, unsubscribe)
	return out, nil
}

// subscriber buffers live events between the manager's synchronous
// broadcast and the consumer's channel.
type subscriber struct {
	runID      string
	bufferSize int
	notify     chan struct{}

	mu      sync.Mutex
	pending []*models.Event
	dropped int
	closed  bool
}

// push runs on the manager's broadcast path and must not block.
func (s *subscriber) push(ev *models.Event) {
	if ev.RunID != s.runID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= s.bufferSize {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() ([]*models.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	dropped := s.dropped
	s.pending = nil
	s.dropped = 0
	return pending, dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
}

func (b *Broker) forward(ctx context.Context, sub *subscriber, out chan<- *models.Event, replay []*models.Event, unsubscribe func()) {
	defer func() {
		sub.close()
		unsubscribe()
		close(out)
	}()

	var lastSeq int64
	send := func(ev *models.Event) bool {
		select {
		case out <- ev:
			lastSeq = ev.Seq
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, ev := range replay {
		if !send(ev) {
			return
		}
		if ev.Type.IsTerminal() {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}

		pending, dropped := sub.take()
		if dropped > 0 {
			b.logger.Warn("slow subscriber dropped events",
				"runId", sub.runID, "dropped", dropped)
		}
		for _, ev := range pending {
			// The listener attaches before the replay query, so events
			// already replayed show up here again.
			if ev.Seq <= lastSeq {
				continue
			}
			if !send(ev) {
				return
			}
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}
