package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/approval"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/toolkit"
	"github.com/haasonsaas/strand/pkg/models"
)

// textProvider answers every step with one text delta and finishes. A
// non-nil hold delays the response until the channel closes.
type textProvider struct {
	text string
	hold chan struct{}
}

func (p *textProvider) Name() string { return "scripted" }

func (p *textProvider) Stream(ctx context.Context, req *engine.StepRequest) (<-chan *engine.Chunk, error) {
	ch := make(chan *engine.Chunk, 2)
	go func() {
		defer close(ch)
		if p.hold != nil {
			select {
			case <-p.hold:
			case <-ctx.Done():
				return
			}
		}
		ch <- &engine.Chunk{Kind: engine.ChunkTextDelta, Text: p.text}
		ch <- &engine.Chunk{Kind: engine.ChunkStepFinish, FinishReason: "end_turn"}
	}()
	return ch, nil
}

// historyProvider records every step request and answers with the next
// scripted text.
type historyProvider struct {
	texts    []string
	requests []*engine.StepRequest
}

func (p *historyProvider) Name() string { return "scripted" }

func (p *historyProvider) Stream(ctx context.Context, req *engine.StepRequest) (<-chan *engine.Chunk, error) {
	p.requests = append(p.requests, req)
	text := p.texts[len(p.texts)-1]
	if n := len(p.requests) - 1; n < len(p.texts) {
		text = p.texts[n]
	}
	ch := make(chan *engine.Chunk, 2)
	ch <- &engine.Chunk{Kind: engine.ChunkTextDelta, Text: text}
	ch <- &engine.Chunk{Kind: engine.ChunkStepFinish, FinishReason: "end_turn"}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, provider engine.StepProvider) *Server {
	t.Helper()
	store, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := runs.NewManager(store, approval.NewGate())
	kernel, err := toolkit.NewKernel(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}

	s := New(Options{
		Config:   &config.Config{Port: config.DefaultPort, Workspace: t.TempDir()},
		Manager:  manager,
		Kernel:   kernel,
		Provider: provider,
		Version:  "test",
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func awaitRunState(t *testing.T, m *runs.Manager, runID string, want models.RunState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := m.GetRun(runID)
		if err == nil && record.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached state %s", runID, want)
}

func TestCreateRunAndStreamEvents(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "Hello there."})
	handler := s.Handler()

	rec := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"hi"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/runs = %d: %s", rec.Code, rec.Body.String())
	}
	var created createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.RunID == "" || created.State != models.RunStateRunning {
		t.Errorf("response = %+v", created)
	}

	awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.RunID+"/events", nil)
	streamRec := httptest.NewRecorder()
	handler.ServeHTTP(streamRec, req)

	if ct := streamRec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := streamRec.Body.String()
	for _, want := range []string{
		"event: run.started",
		"event: output.delta",
		"event: output.message",
		"event: run.completed",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "run.started") > strings.Index(body, "run.completed") {
		t.Error("events out of order")
	}
}

func TestCreateRunSessionBusy(t *testing.T) {
	hold := make(chan struct{})
	s := newTestServer(t, &textProvider{text: "slow", hold: hold})
	handler := s.Handler()

	first := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"hi"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("first POST = %d", first.Code)
	}

	second := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"again"}`)
	if second.Code != http.StatusConflict {
		t.Fatalf("second POST = %d, want 409", second.Code)
	}
	var apiErr apiError
	if err := json.Unmarshal(second.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != "SessionBusy" {
		t.Errorf("code = %q, want SessionBusy", apiErr.Code)
	}

	close(hold)
	var created createRunResponse
	_ = json.Unmarshal(first.Body.Bytes(), &created)
	awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)
}

func TestCreateRunValidation(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "x"})
	handler := s.Handler()

	if rec := postJSON(t, handler, "/v1/runs", `{"prompt":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing sessionId = %d, want 400", rec.Code)
	}
	if rec := postJSON(t, handler, "/v1/runs", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestStreamUnknownRun(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "x"})
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/nope/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRunHistoryKeepsRunsInOrder(t *testing.T) {
	provider := &historyProvider{texts: []string{"turn one.", "turn two.", "turn three."}}
	s := newTestServer(t, provider)
	handler := s.Handler()

	for _, prompt := range []string{"first", "second", "third"} {
		rec := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"`+prompt+`"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /v1/runs = %d: %s", rec.Code, rec.Body.String())
		}
		var created createRunResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &created)
		awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)
	}

	// The third run's history replays the first two runs. Each earlier
	// run's turn must arrive whole and in run order, even though the
	// session-wide ledger query interleaves per-run sequence numbers.
	last := provider.requests[len(provider.requests)-1]
	oneIdx, twoIdx := -1, -1
	for i, msg := range last.Messages {
		if strings.Contains(msg.Content, "turn one") && strings.Contains(msg.Content, "turn two") {
			t.Fatalf("runs spliced into one message: %q", msg.Content)
		}
		if oneIdx == -1 && strings.Contains(msg.Content, "turn one") {
			oneIdx = i
		}
		if twoIdx == -1 && strings.Contains(msg.Content, "turn two") {
			twoIdx = i
		}
	}
	if oneIdx == -1 || twoIdx == -1 {
		t.Fatalf("history missing earlier turns: %+v", last.Messages)
	}
	if oneIdx > twoIdx {
		t.Errorf("run order garbled: turn one at %d, turn two at %d", oneIdx, twoIdx)
	}
}

func TestStreamEvictedRunReplaysFromLedger(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "persisted"})
	handler := s.Handler()

	rec := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"hi"}`)
	var created createRunResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)

	// The record is gone, as after a daemon restart; the ledger still
	// holds the run.
	s.manager.EvictRun(created.RunID)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.RunID+"/events", nil)
	streamRec := httptest.NewRecorder()
	handler.ServeHTTP(streamRec, req)

	if streamRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", streamRec.Code)
	}
	body := streamRec.Body.String()
	for _, want := range []string{"event: run.started", "event: run.completed"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestResolveApprovalNotFound(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "x"})
	rec := postJSON(t, s.Handler(), "/v1/approvals/missing", `{"decision":"approve"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResolveApprovalBadDecision(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "x"})
	rec := postJSON(t, s.Handler(), "/v1/approvals/any", `{"decision":"maybe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListSessionsAndState(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "done"})
	handler := s.Handler()

	rec := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"hi"}`)
	var created createRunResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)

	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/v1/sessions/list", nil))
	var ids []string
	if err := json.Unmarshal(listRec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("sessions = %v", ids)
	}

	stateRec := httptest.NewRecorder()
	handler.ServeHTTP(stateRec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/state", nil))
	if stateRec.Code != http.StatusOK {
		t.Fatalf("state = %d", stateRec.Code)
	}
	var state sessionStateResponse
	if err := json.Unmarshal(stateRec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.SessionID != "s1" || state.TS == 0 {
		t.Errorf("state = %+v", state)
	}
	if len(state.PendingEvents) == 0 {
		t.Error("no pending events before distillation")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "x"})
	handler := s.Handler()

	healthRec := httptest.NewRecorder()
	handler.ServeHTTP(healthRec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if healthRec.Code != http.StatusOK {
		t.Fatalf("health = %d", healthRec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(healthRec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["version"] != "test" {
		t.Errorf("health = %v", health)
	}

	metricsRec := httptest.NewRecorder()
	handler.ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metricsRec.Code != http.StatusOK {
		t.Errorf("metrics = %d", metricsRec.Code)
	}
}

func TestResumeWithLastEventID(t *testing.T) {
	s := newTestServer(t, &textProvider{text: "resume me"})
	handler := s.Handler()

	rec := postJSON(t, handler, "/v1/runs", `{"sessionId":"s1","prompt":"hi"}`)
	var created createRunResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	awaitRunState(t, s.manager, created.RunID, models.RunStateCompleted)

	events, err := s.manager.Ledger().ByRunID(context.Background(), created.RunID)
	if err != nil || len(events) < 2 {
		t.Fatalf("ByRunID = %d events, %v", len(events), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.RunID+"/events", nil)
	req.Header.Set("Last-Event-ID", events[0].EventID)
	streamRec := httptest.NewRecorder()
	handler.ServeHTTP(streamRec, req)

	body := streamRec.Body.String()
	if strings.Contains(body, "event: run.started") {
		t.Errorf("replayed past the resume token:\n%s", body)
	}
	if !strings.Contains(body, "event: run.completed") {
		t.Errorf("terminal event missing:\n%s", body)
	}
}
