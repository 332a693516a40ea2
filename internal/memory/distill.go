package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/backoff"
	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	observerToolID  = "record_observations"
	reflectorToolID = "record_reflections"

	distillMaxTokens = 2048

	// distillAttempts bounds provider retries per distillation step.
	distillAttempts = 3

	// eventPayloadLimit caps how much of each payload reaches the prompt.
	eventPayloadLimit = 400
)

const observerSystem = `You are the observer of an agent session. You read raw session events and distill the few things worth remembering: facts established, actions taken, outcomes reached. Record concise, self-contained observations via the record_observations tool. Skip transport noise and anything already obvious from an earlier event.`

const reflectorSystem = `You are the reflector of an agent session. You read accumulated observations and distill recurring themes into long-term reflections. Each reflection has a short topic, a content sentence, and a frequency from 1 to 10 ranking how often the theme recurs. Record them via the record_reflections tool.`

var observerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"observations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["fact", "action", "outcome"]},
					"content": {"type": "string"}
				},
				"required": ["type", "content"]
			}
		}
	},
	"required": ["observations"]
}`)

var reflectorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"reflections": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"topic": {"type": "string"},
					"content": {"type": "string"},
					"frequency": {"type": "integer", "minimum": 1, "maximum": 10}
				},
				"required": ["topic", "content", "frequency"]
			}
		}
	},
	"required": ["reflections"]
}`)

// observe distills events into observations. Any failure, including the
// model declining to call the tool, yields an empty list.
func (s *Service) observe(ctx context.Context, events []*models.Event) []models.Observation {
	args, ok := s.structuredCall(ctx, observerSystem, renderEvents(events), engine.ToolDef{
		ID:          observerToolID,
		Description: "Record the observations distilled from the session events.",
		Schema:      observerSchema,
	})
	if !ok {
		return nil
	}

	var parsed struct {
		Observations []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"observations"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		s.logger.Warn("observer returned malformed arguments", "error", err)
		return nil
	}

	// Observations trace back to the whole distilled batch.
	sourceIDs := make([]string, len(events))
	for i, ev := range events {
		sourceIDs[i] = ev.EventID
	}

	now := time.Now().UnixMilli()
	var out []models.Observation
	for _, o := range parsed.Observations {
		if strings.TrimSpace(o.Content) == "" {
			continue
		}
		obsType := models.ObservationType(o.Type)
		switch obsType {
		case models.ObservationFact, models.ObservationAction, models.ObservationOutcome:
		default:
			obsType = models.ObservationFact
		}
		out = append(out, models.Observation{
			ID:             uuid.NewString(),
			TS:             now,
			Type:           obsType,
			Content:        strings.TrimSpace(o.Content),
			SourceEventIDs: sourceIDs,
		})
	}
	return out
}

// reflect distills observations into reflections. Failures yield an empty
// list, leaving the observations accumulated for the next cycle.
func (s *Service) reflect(ctx context.Context, observations []models.Observation) []models.Reflection {
	args, ok := s.structuredCall(ctx, reflectorSystem, renderObservations(observations), engine.ToolDef{
		ID:          reflectorToolID,
		Description: "Record the reflections distilled from the observations.",
		Schema:      reflectorSchema,
	})
	if !ok {
		return nil
	}

	var parsed struct {
		Reflections []struct {
			Topic     string `json:"topic"`
			Content   string `json:"content"`
			Frequency int    `json:"frequency"`
		} `json:"reflections"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		s.logger.Warn("reflector returned malformed arguments", "error", err)
		return nil
	}

	now := time.Now().UnixMilli()
	var out []models.Reflection
	for _, r := range parsed.Reflections {
		if strings.TrimSpace(r.Topic) == "" || strings.TrimSpace(r.Content) == "" {
			continue
		}
		freq := r.Frequency
		if freq < 1 {
			freq = 1
		}
		if freq > 10 {
			freq = 10
		}
		out = append(out, models.Reflection{
			ID:        uuid.NewString(),
			TS:        now,
			Topic:     strings.TrimSpace(r.Topic),
			Content:   strings.TrimSpace(r.Content),
			Frequency: freq,
		})
	}
	return out
}

// structuredCall runs a single provider step expecting one call to the given
// tool and returns its arguments. Transient provider errors are retried;
// the bool is false on any other failure.
func (s *Service) structuredCall(ctx context.Context, system, user string, tool engine.ToolDef) (json.RawMessage, bool) {
	var args json.RawMessage
	err := backoff.Retry(ctx, distillAttempts, backoff.Default(), func() error {
		ch, err := s.provider.Stream(ctx, &engine.StepRequest{
			Model:     s.model,
			System:    system,
			Messages:  []engine.Message{{Role: models.RoleUser, Content: user}},
			Tools:     []engine.ToolDef{tool},
			MaxTokens: distillMaxTokens,
		})
		if err != nil {
			return err
		}
		args = nil
		for chunk := range ch {
			switch chunk.Kind {
			case engine.ChunkToolCall:
				if chunk.ToolName == tool.ID && args == nil {
					args = chunk.Args
				}
			case engine.ChunkError:
				return chunk.Err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("distillation step failed", "tool", tool.ID, "error", err)
		return nil, false
	}
	if args == nil {
		return nil, false
	}
	return args, true
}

func renderEvents(events []*models.Event) string {
	var b strings.Builder
	b.WriteString("Session events:\n")
	for _, ev := range events {
		payload := string(ev.Payload)
		if len(payload) > eventPayloadLimit {
			payload = payload[:eventPayloadLimit] + "..."
		}
		fmt.Fprintf(&b, "[%s seq=%d] %s %s\n", ev.RunID, ev.Seq, ev.Type, payload)
	}
	return b.String()
}

func renderObservations(observations []models.Observation) string {
	var b strings.Builder
	b.WriteString("Accumulated observations:\n")
	for _, o := range observations {
		fmt.Fprintf(&b, "- (%s) %s\n", o.Type, o.Content)
	}
	return b.String()
}
