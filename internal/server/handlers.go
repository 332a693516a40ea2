package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/strand/internal/approval"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/pkg/models"
)

// apiError is the JSON error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

// createRunRequest is the POST /v1/runs body.
type createRunRequest struct {
	SessionID string   `json:"sessionId"`
	Prompt    string   `json:"prompt"`
	Model     string   `json:"model,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	MaxSteps  int      `json:"maxSteps,omitempty"`
}

// createRunResponse is the POST /v1/runs reply.
type createRunResponse struct {
	RunID     string          `json:"runId"`
	SessionID string          `json:"sessionId"`
	State     models.RunState `json:"state"`
	StartedAt time.Time       `json:"startedAt"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed request body")
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "sessionId and prompt are required")
		return
	}

	cfg := models.RunConfig{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Workspace: req.Workspace,
		Skills:    req.Skills,
		MaxSteps:  req.MaxSteps,
	}
	if cfg.Model == "" {
		cfg.Model = s.config.Model
	}
	if cfg.Workspace == "" {
		cfg.Workspace = s.config.Workspace
	}

	record, err := s.manager.CreateRun(cfg)
	if err != nil {
		if errors.Is(err, runs.ErrSessionBusy) {
			writeError(w, http.StatusConflict, "SessionBusy", "session already has an active run")
			return
		}
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	if _, err := s.manager.StartRun(r.Context(), record.RunID); err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	go s.driveRun(record)

	writeJSON(w, http.StatusCreated, createRunResponse{
		RunID:     record.RunID,
		SessionID: record.SessionID,
		State:     models.RunStateRunning,
		StartedAt: record.CreatedAt,
	})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.manager.GetRun(runID); err != nil {
		// Evicted records stay replayable: the ledger is the source of
		// truth for finished runs.
		events, lerr := s.manager.Ledger().Events(r.Context(), ledger.Query{RunID: runID, Limit: 1})
		if lerr != nil {
			writeError(w, http.StatusInternalServerError, "StorageError", lerr.Error())
			return
		}
		if len(events) == 0 {
			writeError(w, http.StatusNotFound, "NotFound", "unknown run")
			return
		}
	}
	s.serveSSE(w, r, runID)
}

// resolveApprovalRequest is the POST /v1/approvals/{approvalId} body.
type resolveApprovalRequest struct {
	Decision models.ApprovalDecision `json:"decision"`
	Reason   string                  `json:"reason,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approvalId")

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed request body")
		return
	}
	if req.Decision != models.ApprovalApprove && req.Decision != models.ApprovalDeny {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "decision must be approve or deny")
		return
	}

	err := s.manager.Gate().Resolve(approvalID, models.ApprovalResolution{
		Decision: req.Decision,
		Reason:   req.Reason,
	})
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown approval")
			return
		}
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "resolved",
		"approvalId": approvalID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.Ledger().ListSessionIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// sessionStateResponse is the GET /v1/sessions/{sessionId}/state reply.
type sessionStateResponse struct {
	SessionID        string                   `json:"sessionId"`
	Snapshot         *models.Snapshot         `json:"snapshot"`
	PendingEvents    []*models.Event          `json:"pendingEvents"`
	PendingApprovals []models.PendingApproval `json:"pendingApprovals"`
	TS               int64                    `json:"ts"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	store := s.manager.Ledger()

	snap, err := store.LatestSnapshot(r.Context(), ledger.SnapshotFilter{
		SessionID: sessionID,
		Type:      models.SnapshotTypeSession,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	events, err := store.Events(r.Context(), ledger.Query{SessionID: sessionID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	var mem *models.SessionMemory
	if snap != nil && len(snap.Data) > 0 {
		mem = &models.SessionMemory{}
		if err := json.Unmarshal(snap.Data, mem); err != nil {
			mem = nil
		}
	}

	pending := memory.PendingEvents(mem, events)
	if pending == nil {
		pending = []*models.Event{}
	}
	approvals := s.manager.Gate().Pending()
	if approvals == nil {
		approvals = []models.PendingApproval{}
	}

	writeJSON(w, http.StatusOK, sessionStateResponse{
		SessionID:        sessionID,
		Snapshot:         snap,
		PendingEvents:    pending,
		PendingApprovals: approvals,
		TS:               time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"ts":      time.Now().UnixMilli(),
	})
}
