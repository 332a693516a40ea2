package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e, err := s.Append(ctx, "r1", "s1", models.EventOutputDelta, models.MustPayload(models.OutputDeltaPayload{Text: "x"}))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", e.Seq, i)
		}
		if e.EventID == "" {
			t.Error("EventID should not be empty")
		}
	}

	// A second run starts its own sequence at 1.
	e, err := s.Append(ctx, "r2", "s1", models.EventRunStarted, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 1 {
		t.Errorf("second run Seq = %d, want 1", e.Seq)
	}
}

func TestAppendRejectsUnknownType(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Append(context.Background(), "r1", "s1", models.EventType("bogus"), nil); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := map[string]any{
		"nested": map[string]any{"list": []any{1.0, "two", true, nil}},
		"text":   "héllo\n\"quoted\"",
		"num":    42.5,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := s.Append(ctx, "r1", "s1", models.EventToolResult, raw); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := s.ByRunID(ctx, "r1")
	if err != nil {
		t.Fatalf("ByRunID: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	var got map[string]any
	if err := events[0].DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("payload round trip mismatch:\n got %#v\nwant %#v", got, payload)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	types := []models.EventType{
		models.EventRunStarted,
		models.EventOutputDelta,
		models.EventOutputDelta,
		models.EventToolCall,
		models.EventRunCompleted,
	}
	for _, typ := range types {
		if _, err := s.Append(ctx, "r1", "s1", typ, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	t.Run("by type", func(t *testing.T) {
		events, err := s.Events(ctx, Query{RunID: "r1", Types: []models.EventType{models.EventOutputDelta}})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("len = %d, want 2", len(events))
		}
	})

	t.Run("afterSeq", func(t *testing.T) {
		events, err := s.Events(ctx, Query{RunID: "r1", AfterSeq: 3})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("len = %d, want 2", len(events))
		}
		if events[0].Seq != 4 || events[1].Seq != 5 {
			t.Errorf("seqs = %d,%d, want 4,5", events[0].Seq, events[1].Seq)
		}
	})

	t.Run("beforeSeq with limit desc", func(t *testing.T) {
		events, err := s.Events(ctx, Query{RunID: "r1", BeforeSeq: 4, Limit: 2, Desc: true})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("len = %d, want 2", len(events))
		}
		if events[0].Seq != 3 || events[1].Seq != 2 {
			t.Errorf("seqs = %d,%d, want 3,2", events[0].Seq, events[1].Seq)
		}
	})

	t.Run("latest by type", func(t *testing.T) {
		e, err := s.Latest(ctx, "s1", models.EventOutputDelta)
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if e == nil || e.Seq != 3 {
			t.Errorf("Latest seq = %v, want 3", e)
		}
	})

	t.Run("latest missing type", func(t *testing.T) {
		e, err := s.Latest(ctx, "s1", models.EventMemoryObserved)
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if e != nil {
			t.Errorf("expected nil, got %+v", e)
		}
	})
}

func TestSnapshotsHighestSeqWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, seq := range []int64{5, 20, 10} {
		_, err := s.CreateSnapshot(ctx, SnapshotParams{
			SessionID: "s1",
			Seq:       seq,
			Type:      models.SnapshotTypeSession,
			Data:      []byte(`{"lastObservedSeq":1}`),
		})
		if err != nil {
			t.Fatalf("CreateSnapshot: %v", err)
		}
	}

	snap, err := s.LatestSnapshot(ctx, SnapshotFilter{SessionID: "s1", Type: models.SnapshotTypeSession})
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil || snap.Seq != 20 {
		t.Errorf("LatestSnapshot seq = %v, want 20", snap)
	}

	missing, err := s.LatestSnapshot(ctx, SnapshotFilter{SessionID: "s2"})
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown session, got %+v", missing)
	}
}

func TestListSessionIDsRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "r1", "older", models.EventRunStarted, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Append(ctx, "r2", "newer", models.EventRunStarted, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ids, err := s.ListSessionIDs(ctx)
	if err != nil {
		t.Fatalf("ListSessionIDs: %v", err)
	}
	want := []string{"newer", "older"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ListSessionIDs = %v, want %v", ids, want)
	}
}

func TestRebuildSeqCountersAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "r1", "s1", models.EventOutputDelta, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if err := reopened.RebuildSeqCounters(ctx); err != nil {
		t.Fatalf("RebuildSeqCounters: %v", err)
	}

	e, err := reopened.Append(ctx, "r1", "s1", models.EventRunCompleted, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 4 {
		t.Errorf("Seq after rebuild = %d, want 4", e.Seq)
	}
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, "r1", "s1", models.EventOutputDelta, nil); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := s.ByRunID(ctx, "r1")
	if err != nil {
		t.Fatalf("ByRunID: %v", err)
	}
	if len(events) != n {
		t.Fatalf("len = %d, want %d", len(events), n)
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}
