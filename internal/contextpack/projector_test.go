package contextpack

import (
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

func event(t *testing.T, typ models.EventType, payload any) *models.Event {
	t.Helper()
	return &models.Event{Type: typ, Payload: models.MustPayload(payload)}
}

func TestProjectMessages(t *testing.T) {
	events := []*models.Event{
		event(t, models.EventRunStarted, models.RunStartedPayload{Prompt: "hi"}),
		event(t, models.EventOutputDelta, models.OutputDeltaPayload{Text: "Looking at "}),
		event(t, models.EventOutputDelta, models.OutputDeltaPayload{Text: "the code..."}),
		event(t, models.EventToolCall, models.ToolCallPayload{
			CallID: "c1", ToolID: "repo.read", Args: []byte(`{"path":"x.ts"}`),
		}),
		event(t, models.EventToolResult, models.ToolResultPayload{
			CallID: "c1", ToolID: "repo.read", Result: []byte(`"const x = 1;"`), Approved: true,
		}),
		event(t, models.EventOutputDelta, models.OutputDeltaPayload{Text: "Done!"}),
	}

	messages := ProjectMessages(events)
	want := []models.EngineMessage{
		{Role: models.RoleAssistant, Content: "Looking at the code..."},
		{Role: models.RoleAssistant, Content: `[Tool Call: repo.read({"path":"x.ts"})]`, ToolCallID: "c1", ToolName: "repo.read"},
		{Role: models.RoleTool, Content: "const x = 1;", ToolCallID: "c1", ToolName: "repo.read"},
		{Role: models.RoleAssistant, Content: "Done!"},
	}

	if len(messages) != len(want) {
		t.Fatalf("messages = %d, want %d: %+v", len(messages), len(want), messages)
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Errorf("message[%d] = %+v, want %+v", i, messages[i], want[i])
		}
	}
}

func TestProjectMessagesStructuredToolResult(t *testing.T) {
	events := []*models.Event{
		event(t, models.EventToolResult, models.ToolResultPayload{
			CallID: "c1", ToolID: "process.run", Result: []byte(`{"exitCode":0,"stdout":"ok\n"}`),
		}),
	}
	messages := ProjectMessages(events)
	if len(messages) != 1 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Content != `{"exitCode":0,"stdout":"ok\n"}` {
		t.Errorf("content = %q, want raw JSON", messages[0].Content)
	}
}

func TestProjectMessagesFlushesOnOutputMessage(t *testing.T) {
	events := []*models.Event{
		event(t, models.EventOutputDelta, models.OutputDeltaPayload{Text: "partial"}),
		event(t, models.EventOutputMessage, models.OutputMessagePayload{Role: models.RoleAssistant, Content: "final"}),
	}
	messages := ProjectMessages(events)
	if len(messages) != 2 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Content != "partial" || messages[1].Content != "final" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestProjectMessagesOrdersAcrossRuns(t *testing.T) {
	sessionEvent := func(runID string, seq, ts int64, text string) *models.Event {
		return &models.Event{
			RunID:   runID,
			Seq:     seq,
			TS:      ts,
			Type:    models.EventOutputDelta,
			Payload: models.MustPayload(models.OutputDeltaPayload{Text: text}),
		}
	}

	// A session-wide query orders by seq, interleaving the runs: run-2's
	// answer lands between run-1's two deltas.
	events := []*models.Event{
		sessionEvent("run-1", 1, 100, "first "),
		sessionEvent("run-2", 1, 300, "second answer"),
		sessionEvent("run-1", 2, 101, "answer"),
	}
	events = append(events, &models.Event{
		RunID: "run-1", Seq: 3, TS: 102,
		Type:    models.EventToolCall,
		Payload: models.MustPayload(models.ToolCallPayload{CallID: "c1", ToolID: "repo.read", Args: []byte(`{}`)}),
	})

	messages := ProjectMessages(events)
	if len(messages) != 3 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Content != "first answer" {
		t.Errorf("run-1 answer = %q, want the deltas joined", messages[0].Content)
	}
	if messages[1].ToolCallID != "c1" {
		t.Errorf("message[1] = %+v, want run-1's tool call", messages[1])
	}
	if messages[2].Content != "second answer" {
		t.Errorf("run-2 answer = %q, want it after run-1's turn", messages[2].Content)
	}
}

func TestProjectMessagesEmpty(t *testing.T) {
	if got := ProjectMessages(nil); len(got) != 0 {
		t.Errorf("messages = %+v, want none", got)
	}
}
