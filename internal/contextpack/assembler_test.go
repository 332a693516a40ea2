package contextpack

import (
	"strings"
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

func TestAssembleAllSections(t *testing.T) {
	a := NewAssembler("You are a coding agent.")

	req := a.Assemble(AssembleInput{
		RunID:     "r1",
		SessionID: "sess-1",
		RunConfig: models.RunConfig{SessionID: "sess-1", Workspace: "/work"},
		Memory: &models.SessionMemory{
			Reflections: []models.Reflection{
				{Topic: "style", Content: "prefers tabs", Frequency: 2},
				{Topic: "testing", Content: "runs go test often", Frequency: 9},
			},
			Observations: []models.Observation{
				{Type: models.ObservationFact, Content: "repo uses sqlite", TS: 100},
				{Type: models.ObservationAction, Content: "edited main.go", TS: 200},
			},
		},
		Skills: []SkillContent{{Name: "review", Content: "Review carefully."}},
	})

	prompt := req.SystemPrompt
	wantOrder := []string{
		"You are a coding agent.",
		"## Workspace",
		"Root: /work",
		"Session: sess-1",
		"## Long-Term Memory (Reflections)",
		"- testing: runs go test often",
		"- style: prefers tabs",
		"## Recent Observations",
		"- [action] edited main.go",
		"- [fact] repo uses sqlite",
		"## Active Skills",
		`<skill name="review">`,
		"Review carefully.",
		"</skill>",
	}
	pos := 0
	for _, want := range wantOrder {
		idx := strings.Index(prompt[pos:], want)
		if idx < 0 {
			t.Fatalf("prompt missing %q after offset %d:\n%s", want, pos, prompt)
		}
		pos += idx
	}
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	a := NewAssembler("Base.")
	req := a.Assemble(AssembleInput{
		SessionID: "s1",
		RunConfig: models.RunConfig{SessionID: "s1", Workspace: "/work"},
	})
	prompt := req.SystemPrompt
	for _, banned := range []string{"Reflections", "Observations", "Active Skills"} {
		if strings.Contains(prompt, banned) {
			t.Errorf("prompt contains empty section %q:\n%s", banned, prompt)
		}
	}
	if !strings.HasPrefix(prompt, "Base.\n\n## Workspace") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestAssembleCapsMemorySections(t *testing.T) {
	memory := &models.SessionMemory{}
	for i := 0; i < 8; i++ {
		memory.Reflections = append(memory.Reflections, models.Reflection{
			Topic: "t", Content: "c", Frequency: i,
		})
	}
	for i := 0; i < 15; i++ {
		memory.Observations = append(memory.Observations, models.Observation{
			Type: models.ObservationFact, Content: "o", TS: int64(i),
		})
	}

	a := NewAssembler("")
	req := a.Assemble(AssembleInput{SessionID: "s1", RunConfig: models.RunConfig{SessionID: "s1"}, Memory: memory})

	if got := strings.Count(req.SystemPrompt, "- t: c"); got != maxReflections {
		t.Errorf("reflections rendered = %d, want %d", got, maxReflections)
	}
	if got := strings.Count(req.SystemPrompt, "- [fact] o"); got != maxObservations {
		t.Errorf("observations rendered = %d, want %d", got, maxObservations)
	}
}
