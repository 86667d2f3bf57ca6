package httpapi

import (
	"net/http"
	"strconv"

	"codeplane/internal/apperrors"
	"codeplane/internal/orchestrator"
	"codeplane/internal/store"
	"codeplane/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createSessionRequest struct {
	Title              string                 `json:"title" validate:"required"`
	InitialPrompt      string                 `json:"initial_prompt"`
	SessionType        string                 `json:"session_type" validate:"required"`
	Priority           string                 `json:"priority" validate:"required"`
	ParentID           *uuid.UUID             `json:"parent_id,omitempty"`
	AgentConfig        map[string]interface{} `json:"agent_config,omitempty"`
	ModelConfig        string                 `json:"model_config,omitempty"`
	MaxDurationSeconds int                    `json:"max_duration_seconds,omitempty"`
	Tags               []string               `json:"tags,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Decompose          bool                   `json:"decompose,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid session request"))
		return
	}

	sess, err := s.svc.CreateSession(r.Context(), orchestrator.CreateSessionInput{
		Title:              req.Title,
		InitialPrompt:      req.InitialPrompt,
		SessionType:        types.SessionType(req.SessionType),
		Priority:           types.Priority(req.Priority),
		ParentID:           req.ParentID,
		AgentConfig:        req.AgentConfig,
		ModelConfig:        req.ModelConfig,
		MaxDurationSeconds: req.MaxDurationSeconds,
		Tags:               req.Tags,
		Metadata:           req.Metadata,
		Decompose:          req.Decompose,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	result, err := s.sessions.Paginate(r.Context(), store.SessionFilter{
		Status:      types.SessionStatus(q.Get("status")),
		SessionType: types.SessionType(q.Get("type")),
		Priority:    types.Priority(q.Get("priority")),
	}, nil, store.Page{Limit: pageSize, Offset: (page - 1) * pageSize})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":     result.Items,
		"total":     result.Total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.CodeValidation, "invalid session id")
	}
	return id, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.svc.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.svc.StartSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type completeSessionRequest struct {
	Result      map[string]interface{} `json:"result,omitempty"`
	SuccessRate float64                `json:"success_rate" validate:"min=0,max=1"`
	Confidence  float64                `json:"confidence,omitempty" validate:"min=0,max=1"`
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req completeSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid complete request"))
		return
	}
	sess, err := s.svc.CompleteSession(r.Context(), id, req.Result, req.SuccessRate, req.Confidence)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type failSessionRequest struct {
	Error     string `json:"error" validate:"required"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleFailSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req failSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid fail request"))
		return
	}
	sess, err := s.svc.FailSession(r.Context(), id, req.Error, req.Retryable)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.svc.CancelSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRetrySession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.svc.RetrySession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type addCheckpointRequest struct {
	Data map[string]interface{} `json:"data"`
}

func (s *Server) handleAddCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req addCheckpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.svc.AddCheckpoint(r.Context(), id, req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"checkpoint_count": sess.Metrics.CheckpointCount,
		"last_sequence":    sess.LastCheckpointSequence(),
	})
}
