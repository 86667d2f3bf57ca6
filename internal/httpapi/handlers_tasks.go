package httpapi

import (
	"net/http"

	"codeplane/internal/apperrors"
	"codeplane/internal/taskgraph"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createTaskRequest struct {
	SessionID    uuid.UUID              `json:"session_id" validate:"required"`
	ParentTaskID *uuid.UUID             `json:"parent_task_id,omitempty"`
	Title        string                 `json:"title" validate:"required"`
	Description  string                 `json:"description,omitempty"`
	TaskType     string                 `json:"task_type,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
	Estimate     *types.Estimate        `json:"estimate,omitempty"`
	Dependencies []types.TaskDependency `json:"dependencies,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid task request"))
		return
	}

	tid := tenant.MustFromContext(r.Context())
	in := types.NewTaskInput{
		SessionID:    req.SessionID,
		TenantID:     tid,
		ParentTaskID: req.ParentTaskID,
		Title:        req.Title,
		Description:  req.Description,
		TaskType:     req.TaskType,
		Priority:     types.Priority(req.Priority),
		Dependencies: req.Dependencies,
	}
	if req.Priority == "" {
		in.Priority = types.PriorityMedium
	}
	if req.Estimate != nil {
		in.Estimate = *req.Estimate
	}
	t, err := types.NewTask(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	taskgraph.EnsureEstimate(t, req.Estimate == nil)

	if err := s.svc.CreateTask(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) taskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.CodeValidation, "invalid task id")
	}
	return id, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decomposeRequest struct {
	Strategy         string  `json:"strategy,omitempty"`
	MaxDepth         int     `json:"max_depth,omitempty"`
	TargetComplexity float64 `json:"target_complexity,omitempty"`
}

func (s *Server) handleDecomposeTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req decomposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.svc.DecomposeTask(r.Context(), id, taskgraph.DecomposeRequest{
		Strategy:         taskgraph.Strategy(req.Strategy),
		MaxDepth:         req.MaxDepth,
		TargetComplexity: req.TargetComplexity,
		AutoEstimate:     true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"strategy": result.Strategy,
		"subtasks": result.Subtasks,
		"issues":   result.Issues,
	})
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	id, err := s.taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":      t.ID,
		"dependencies": t.Dependencies,
		"children":     t.ChildIDs,
	})
}
