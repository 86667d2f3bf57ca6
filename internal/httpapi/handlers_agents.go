package httpapi

import (
	"net/http"

	"codeplane/internal/agent"
	"codeplane/internal/apperrors"
	"codeplane/internal/events"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type registerAgentRequest struct {
	Name                  string                 `json:"name" validate:"required"`
	AgentType             string                 `json:"agent_type" validate:"required"`
	Description           string                 `json:"description,omitempty"`
	PrimaryCapabilities   []types.Capability     `json:"primary_capabilities" validate:"required,min=1"`
	SecondaryCapabilities []types.Capability     `json:"secondary_capabilities,omitempty"`
	ModelConfig           types.AgentModelConfig `json:"model_config"`
	PreferredTechnologies []string               `json:"preferred_technologies,omitempty"`
	AvoidedTechnologies   []string               `json:"avoided_technologies,omitempty"`
	ComplexityPreference  string                 `json:"complexity_preference,omitempty"`
	PreferredSessionTypes []types.SessionType    `json:"preferred_session_types,omitempty"`
	Tags                  []string               `json:"tags,omitempty"`
	Capacity              float64                `json:"capacity,omitempty"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request, external bool) {
	var req registerAgentRequest
	type externalFields struct {
		Endpoint  string `json:"endpoint"`
		AuthToken string `json:"auth_token"`
	}
	var ext externalFields

	if external {
		var combined struct {
			registerAgentRequest
			externalFields
		}
		if err := decodeJSON(r, &combined); err != nil {
			writeError(w, r, err)
			return
		}
		req, ext = combined.registerAgentRequest, combined.externalFields
		if ext.Endpoint == "" || ext.AuthToken == "" {
			writeError(w, r, apperrors.New(apperrors.CodeValidation,
				"external agents require endpoint and auth_token"))
			return
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid agent request"))
		return
	}

	tid := tenant.MustFromContext(r.Context())
	a, err := types.NewAgent(types.NewAgentInput{
		TenantID:              tid,
		Name:                  req.Name,
		AgentType:             types.AgentType(req.AgentType),
		Description:           req.Description,
		PrimaryCapabilities:   req.PrimaryCapabilities,
		SecondaryCapabilities: req.SecondaryCapabilities,
		ModelConfig:           req.ModelConfig,
		PreferredTechnologies: req.PreferredTechnologies,
		AvoidedTechnologies:   req.AvoidedTechnologies,
		ComplexityPreference:  types.ComplexityPreference(req.ComplexityPreference),
		PreferredSessionTypes: req.PreferredSessionTypes,
		Tags:                  req.Tags,
		Capacity:              req.Capacity,
		IsExternal:            external,
		Endpoint:              ext.Endpoint,
		AuthToken:             ext.AuthToken,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Register(r.Context(), a); err != nil {
		writeError(w, r, err)
		return
	}

	s.bus.Publish(r.Context(), events.Event{
		EventType: events.AgentRegistered,
		TenantID:  tid,
		Payload:   map[string]interface{}{"agent_id": a.ID.String(), "name": a.Name},
	})
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	s.registerAgent(w, r, false)
}

func (s *Server) handleRegisterExternalAgent(w http.ResponseWriter, r *http.Request) {
	s.registerAgent(w, r, true)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": agents, "total": len(agents)})
}

func (s *Server) agentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.CodeValidation, "invalid agent id")
	}
	return id, nil
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := s.agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id, err := s.agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Deregister(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// heartbeatRequest is the optional heartbeat body: external agents report
// task progress piggybacked on their liveness signal.
type heartbeatRequest struct {
	TaskID *uuid.UUID             `json:"task_id,omitempty"`
	Status string                 `json:"status,omitempty"` // started, completed, failed
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := s.agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Heartbeat(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.TaskID != nil {
		var taskErr error
		switch req.Status {
		case "started":
			_, taskErr = s.svc.StartTask(r.Context(), *req.TaskID)
		case "completed":
			_, taskErr = s.svc.CompleteTask(r.Context(), *req.TaskID, req.Result)
		case "failed":
			_, taskErr = s.svc.FailTask(r.Context(), *req.TaskID, req.Error)
		default:
			taskErr = apperrors.New(apperrors.CodeValidation,
				"unknown heartbeat task status %q", req.Status)
		}
		if taskErr != nil {
			writeError(w, r, taskErr)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type routeRequest struct {
	RequiredCapabilities []types.Capability `json:"required_capabilities" validate:"required,min=1"`
	Complexity           float64            `json:"complexity"`
	Technologies         []string           `json:"technologies,omitempty"`
	SessionType          string             `json:"session_type,omitempty"`
}

func (s *Server) handleRouteAgent(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid route request"))
		return
	}

	result, err := s.router.RouteAndReserve(r.Context(), agent.RouteRequest{
		RequiredCapabilities: req.RequiredCapabilities,
		Complexity:           req.Complexity,
		Technologies:         req.Technologies,
		SessionType:          types.SessionType(req.SessionType),
	})
	if err != nil {
		RouterDecisions.WithLabelValues("rejected").Inc()
		writeError(w, r, err)
		return
	}
	RouterDecisions.WithLabelValues("routed").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent": result.Agent,
		"score": result.Score,
	})
}
