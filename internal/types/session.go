// Package types defines the domain entities of the control plane: sessions,
// tasks, agents, tenants and their value objects. Entities are plain structs
// with explicit validation functions run from their constructors; state
// transitions live in the session and taskgraph packages.
package types

import (
	"time"

	"github.com/google/uuid"
)

// SessionType classifies what a session is for.
type SessionType string

const (
	SessionPlanning    SessionType = "PLANNING"
	SessionExecution   SessionType = "EXECUTION"
	SessionReview      SessionType = "REVIEW"
	SessionDebug       SessionType = "DEBUG"
	SessionIntegration SessionType = "INTEGRATION"
)

// Priority orders work within and across sessions.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
	PriorityDeferred Priority = "DEFERRED"
)

// Weight maps a priority to a numeric rank for queue ordering. Higher wins.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 40
	case PriorityHigh:
		return 30
	case PriorityMedium:
		return 20
	case PriorityLow:
		return 10
	default:
		return 0
	}
}

// SessionStatus is the outer state machine's state.
type SessionStatus string

const (
	SessionPending            SessionStatus = "PENDING"
	SessionQueued             SessionStatus = "QUEUED"
	SessionRunning            SessionStatus = "RUNNING"
	SessionPaused             SessionStatus = "PAUSED"
	SessionCompleted          SessionStatus = "COMPLETED"
	SessionPartiallyCompleted SessionStatus = "PARTIALLY_COMPLETED"
	SessionFailed             SessionStatus = "FAILED"
	SessionTimeout            SessionStatus = "TIMEOUT"
	SessionStopped            SessionStatus = "STOPPED"
	SessionCancelled          SessionStatus = "CANCELLED"
	SessionOrphaned           SessionStatus = "ORPHANED"
	SessionDegraded           SessionStatus = "DEGRADED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionPartiallyCompleted, SessionCancelled, SessionOrphaned:
		return true
	}
	return false
}

// SessionMetrics is the owned 1:1 metrics sub-record of a session.
type SessionMetrics struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`

	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	TokensUsed int64   `json:"tokens_used"`
	APICalls   int64   `json:"api_calls"`
	APIErrors  int64   `json:"api_errors"`
	Retries    int64   `json:"retries"`

	SuccessRate float64 `json:"success_rate"`
	Confidence  float64 `json:"confidence"`
	CodeQuality float64 `json:"code_quality"`

	CheckpointCount  int        `json:"checkpoint_count"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`

	CostEstimate float64 `json:"cost_estimate"`
}

// Checkpoint is an opaque snapshot of session progress. Sequence is strictly
// increasing within one session.
type Checkpoint struct {
	Sequence  int                    `json:"sequence"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// Session is a long-lived unit of work: the outer state machine, its
// metrics and its checkpoint log. Checkpoints are owned, ordered, append
// only; cross-references use IDs, never back-pointers.
type Session struct {
	ID       uuid.UUID  `json:"id" db:"id"`
	TenantID uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`

	Title         string      `json:"title" db:"title"`
	InitialPrompt string      `json:"initial_prompt" db:"initial_prompt"`
	SessionType   SessionType `json:"session_type" db:"session_type"`
	Priority      Priority    `json:"priority" db:"priority"`

	Status          SessionStatus `json:"status" db:"status"`
	StatusUpdatedAt time.Time     `json:"status_updated_at" db:"status_updated_at"`

	AgentConfig        map[string]interface{} `json:"agent_config,omitempty"`
	ModelConfig        string                 `json:"model_config" db:"model_config"`
	MaxDurationSeconds int                    `json:"max_duration_seconds" db:"max_duration_seconds"`

	RetryCount          int `json:"retry_count" db:"retry_count"`
	MaxRetries          int `json:"max_retries" db:"max_retries"`
	CheckpointRetention int `json:"checkpoint_retention" db:"checkpoint_retention"`

	LastError string `json:"last_error,omitempty" db:"last_error"`

	Metrics     SessionMetrics         `json:"metrics"`
	Checkpoints []Checkpoint           `json:"checkpoints,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Version   int64      `json:"version" db:"version"`
}

// NewSessionInput carries the caller-supplied fields of a new session.
type NewSessionInput struct {
	TenantID           uuid.UUID
	ParentID           *uuid.UUID
	Title              string
	InitialPrompt      string
	SessionType        SessionType
	Priority           Priority
	AgentConfig        map[string]interface{}
	ModelConfig        string
	MaxDurationSeconds int
	Tags               []string
	Metadata           map[string]interface{}
}

// NewSession validates input and builds a PENDING session with an
// initialized metrics row.
func NewSession(in NewSessionInput) (*Session, error) {
	if err := ValidateSessionTitle(in.Title); err != nil {
		return nil, err
	}
	if err := ValidateSessionType(in.SessionType); err != nil {
		return nil, err
	}
	if err := ValidatePriority(in.Priority); err != nil {
		return nil, err
	}
	maxDur := in.MaxDurationSeconds
	if maxDur == 0 {
		maxDur = 3600
	}
	if err := ValidateMaxDuration(maxDur); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Session{
		ID:                  uuid.New(),
		TenantID:            in.TenantID,
		ParentID:            in.ParentID,
		Title:               in.Title,
		InitialPrompt:       in.InitialPrompt,
		SessionType:         in.SessionType,
		Priority:            in.Priority,
		Status:              SessionPending,
		StatusUpdatedAt:     now,
		AgentConfig:         in.AgentConfig,
		ModelConfig:         in.ModelConfig,
		MaxDurationSeconds:  maxDur,
		MaxRetries:          3,
		CheckpointRetention: 100,
		Tags:                in.Tags,
		Metadata:            in.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}, nil
}

// Elapsed returns wall time since the session started, zero if it never ran.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.Metrics.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.Metrics.StartedAt)
}

// LastCheckpointSequence returns the highest checkpoint sequence, 0 if none.
func (s *Session) LastCheckpointSequence() int {
	if len(s.Checkpoints) == 0 {
		return 0
	}
	return s.Checkpoints[len(s.Checkpoints)-1].Sequence
}
