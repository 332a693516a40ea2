package contextpack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

// ProjectMessages folds ledger events into provider message history. It is
// a pure function of the event sequence: deltas accumulate into an
// assistant buffer that flushes on output.message, tool.call, and at the
// end. Sequence numbers order events within a run only; a session-wide
// query interleaves its runs by seq, so the fold first regroups events run
// by run, runs ordered by start time.
func ProjectMessages(events []*models.Event) []models.EngineMessage {
	ordered := orderSessionEvents(events)

	var messages []models.EngineMessage
	var buffer strings.Builder

	flush := func() {
		if buffer.Len() == 0 {
			return
		}
		messages = append(messages, models.EngineMessage{
			Role:    models.RoleAssistant,
			Content: buffer.String(),
		})
		buffer.Reset()
	}

	for _, event := range ordered {
		switch event.Type {
		case models.EventOutputDelta:
			var payload models.OutputDeltaPayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			buffer.WriteString(payload.Text)

		case models.EventOutputMessage:
			var payload models.OutputMessagePayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			flush()
			messages = append(messages, models.EngineMessage{
				Role:    payload.Role,
				Content: payload.Content,
			})

		case models.EventToolCall:
			var payload models.ToolCallPayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			flush()
			messages = append(messages, models.EngineMessage{
				Role:       models.RoleAssistant,
				Content:    fmt.Sprintf("[Tool Call: %s(%s)]", payload.ToolID, string(payload.Args)),
				ToolCallID: payload.CallID,
				ToolName:   payload.ToolID,
			})

		case models.EventToolResult:
			var payload models.ToolResultPayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			messages = append(messages, models.EngineMessage{
				Role:       models.RoleTool,
				Content:    stringifyRaw(payload.Result),
				ToolCallID: payload.CallID,
				ToolName:   payload.ToolID,
			})
		}
	}

	flush()
	return messages
}

// orderSessionEvents restores conversation order: events grouped by run in
// dense seq order, runs sorted by the timestamp of their first event.
// Sessions execute runs serially, so start time is a faithful run order.
func orderSessionEvents(events []*models.Event) []*models.Event {
	byRun := make(map[string][]*models.Event)
	var runIDs []string
	for _, ev := range events {
		if _, ok := byRun[ev.RunID]; !ok {
			runIDs = append(runIDs, ev.RunID)
		}
		byRun[ev.RunID] = append(byRun[ev.RunID], ev)
	}
	if len(runIDs) <= 1 {
		return events
	}

	for _, run := range byRun {
		sort.SliceStable(run, func(i, j int) bool { return run[i].Seq < run[j].Seq })
	}
	sort.SliceStable(runIDs, func(i, j int) bool {
		return byRun[runIDs[i]][0].TS < byRun[runIDs[j]][0].TS
	})

	ordered := make([]*models.Event, 0, len(events))
	for _, runID := range runIDs {
		ordered = append(ordered, byRun[runID]...)
	}
	return ordered
}

// stringifyRaw unwraps JSON strings and passes other JSON through as-is.
func stringifyRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
