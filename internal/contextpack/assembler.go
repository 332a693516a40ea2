// Package contextpack builds the system prompt and replays ledger events as
// provider message history.
package contextpack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	maxReflections  = 5
	maxObservations = 10
)

// SkillContent is one selected skill injected into the prompt.
type SkillContent struct {
	Name    string
	Content string
}

// Assembler concatenates the base prompt, workspace header, session memory,
// and active skills into the engine system prompt.
type Assembler struct {
	basePrompt string
}

// NewAssembler creates an assembler with the given base prompt.
func NewAssembler(basePrompt string) *Assembler {
	return &Assembler{basePrompt: basePrompt}
}

// AssembleInput bundles everything one run contributes to its request.
type AssembleInput struct {
	RunID     string
	SessionID string
	RunConfig models.RunConfig
	Messages  []models.EngineMessage
	Tools     []engine.ToolDef
	Skills    []SkillContent

	// Memory is the latest session snapshot, nil when none exists.
	Memory *models.SessionMemory
}

// Assemble builds the EngineRunRequest. Sections are separated by blank
// lines; empty sections are omitted.
func (a *Assembler) Assemble(input AssembleInput) *engine.RunRequest {
	sections := []string{}
	if a.basePrompt != "" {
		sections = append(sections, a.basePrompt)
	}
	if s := workspaceSection(input.RunConfig.Workspace, input.SessionID); s != "" {
		sections = append(sections, s)
	}
	if input.Memory != nil {
		if s := reflectionsSection(input.Memory.Reflections); s != "" {
			sections = append(sections, s)
		}
		if s := observationsSection(input.Memory.Observations); s != "" {
			sections = append(sections, s)
		}
	}
	if s := skillsSection(input.Skills); s != "" {
		sections = append(sections, s)
	}

	return &engine.RunRequest{
		RunID:        input.RunID,
		SessionID:    input.SessionID,
		RunConfig:    input.RunConfig,
		SystemPrompt: strings.Join(sections, "\n\n"),
		Messages:     input.Messages,
		Tools:        input.Tools,
	}
}

func workspaceSection(root, sessionID string) string {
	if root == "" && sessionID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Workspace")
	if root != "" {
		fmt.Fprintf(&b, "\nRoot: %s", root)
	}
	if sessionID != "" {
		fmt.Fprintf(&b, "\nSession: %s", sessionID)
	}
	return b.String()
}

// reflectionsSection renders the top reflections by frequency.
func reflectionsSection(reflections []models.Reflection) string {
	if len(reflections) == 0 {
		return ""
	}
	sorted := append([]models.Reflection(nil), reflections...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frequency > sorted[j].Frequency })
	if len(sorted) > maxReflections {
		sorted = sorted[:maxReflections]
	}

	var b strings.Builder
	b.WriteString("## Long-Term Memory (Reflections)")
	for _, r := range sorted {
		fmt.Fprintf(&b, "\n- %s: %s", r.Topic, r.Content)
	}
	return b.String()
}

// observationsSection renders the most recent observations.
func observationsSection(observations []models.Observation) string {
	if len(observations) == 0 {
		return ""
	}
	sorted := append([]models.Observation(nil), observations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS > sorted[j].TS })
	if len(sorted) > maxObservations {
		sorted = sorted[:maxObservations]
	}

	var b strings.Builder
	b.WriteString("## Recent Observations")
	for _, o := range sorted {
		fmt.Fprintf(&b, "\n- [%s] %s", o.Type, o.Content)
	}
	return b.String()
}

func skillsSection(skills []SkillContent) string {
	if len(skills) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(skills)+1)
	blocks = append(blocks, "## Active Skills")
	for _, s := range skills {
		blocks = append(blocks, fmt.Sprintf("<skill name=%q>\n%s\n</skill>", s.Name, s.Content))
	}
	return strings.Join(blocks, "\n\n")
}
