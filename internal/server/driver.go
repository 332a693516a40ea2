package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strand/internal/contextpack"
	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

// driveRun executes one started run to its terminal state, then kicks off
// memory distillation. It runs on its own goroutine and must not use the
// request context: the run outlives the creating request.
func (s *Server) driveRun(record *models.RunRecord) {
	ctx, span := s.tracer.Start(context.Background(), "run",
		trace.WithAttributes(
			attribute.String("run.id", record.RunID),
			attribute.String("session.id", record.SessionID),
			attribute.String("model", record.Model),
		))
	defer span.End()

	err := s.executeRun(ctx, record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, failErr := s.manager.FailRun(ctx, record.RunID, err.Error(), errorCode(err)); failErr != nil {
			s.logger.Error("failing run after engine error", "runId", record.RunID, "error", failErr)
		}
	} else {
		if _, err := s.manager.CompleteRun(ctx, record.RunID, ""); err != nil {
			s.logger.Error("completing run", "runId", record.RunID, "error", err)
		}
	}

	if s.memory != nil {
		go s.memory.ProcessSession(context.Background(), record.SessionID, record.RunID)
	}
}

// executeRun assembles the engine request from the ledger and drives the
// adapter.
func (s *Server) executeRun(ctx context.Context, record *models.RunRecord) error {
	store := s.manager.Ledger()

	history, err := store.Events(ctx, ledger.Query{SessionID: record.SessionID})
	if err != nil {
		return err
	}
	messages := contextpack.ProjectMessages(history)
	messages = append(messages, models.EngineMessage{
		Role:    models.RoleUser,
		Content: record.Prompt,
	})

	mem, err := memory.LoadSession(ctx, store, record.SessionID)
	if err != nil {
		return err
	}

	var skillContents []contextpack.SkillContent
	if s.skills != nil {
		for _, entry := range s.skills.Filter(record.Skills) {
			skillContents = append(skillContents, contextpack.SkillContent{
				Name:    entry.Name,
				Content: entry.Content,
			})
		}
	}

	var tools []engine.ToolDef
	for _, h := range s.kernel.Tools() {
		tools = append(tools, engine.ToolDef{
			ID:          h.Name(),
			Description: h.Description(),
			Schema:      h.Schema(),
		})
	}

	req := s.assembler.Assemble(contextpack.AssembleInput{
		RunID:     record.RunID,
		SessionID: record.SessionID,
		RunConfig: runConfigOf(record),
		Messages:  messages,
		Tools:     tools,
		Skills:    skillContents,
		Memory:    mem,
	})
	return s.adapter.Run(ctx, req)
}

func runConfigOf(record *models.RunRecord) models.RunConfig {
	return models.RunConfig{
		SessionID: record.SessionID,
		Prompt:    record.Prompt,
		Model:     record.Model,
		Workspace: record.Workspace,
		Skills:    record.Skills,
		MaxSteps:  record.MaxSteps,
	}
}

func errorCode(err error) string {
	if errors.Is(err, ledger.ErrClosed) {
		return "StorageError"
	}
	return "ProviderError"
}
