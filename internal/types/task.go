package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the inner state machine's state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskReady      TaskStatus = "READY"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskPaused     TaskStatus = "PAUSED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// DependencyKind relates a dependent task to its predecessor.
type DependencyKind string

const (
	FinishToStart  DependencyKind = "FINISH_TO_START"
	StartToStart   DependencyKind = "START_TO_START"
	FinishToFinish DependencyKind = "FINISH_TO_FINISH"
	StartToFinish  DependencyKind = "START_TO_FINISH"
)

// TaskDependency is stored on the dependent task and points at the
// predecessor it waits on.
type TaskDependency struct {
	TargetTaskID uuid.UUID      `json:"target_task_id" db:"target_task_id"`
	Kind         DependencyKind `json:"kind" db:"kind"`
	Required     bool           `json:"required" db:"required"`
}

// EstimateSource records where an estimate came from.
type EstimateSource string

const (
	EstimateManual        EstimateSource = "manual"
	EstimateAI            EstimateSource = "ai"
	EstimateHistorical    EstimateSource = "historical"
	EstimateDecomposition EstimateSource = "decomposition"
	EstimateDefault       EstimateSource = "default"
)

// Estimate is the PERT triple plus resource forecasts for a task.
type Estimate struct {
	OptimisticHours      float64        `json:"optimistic_hours"`
	LikelyHours          float64        `json:"likely_hours"`
	PessimisticHours     float64        `json:"pessimistic_hours"`
	EstimatedTokens      int64          `json:"estimated_tokens,omitempty"`
	EstimatedCost        float64        `json:"estimated_cost,omitempty"`
	RequiredCapabilities []Capability   `json:"required_capabilities,omitempty"`
	Confidence           float64        `json:"confidence"`
	Source               EstimateSource `json:"source"`
}

// ExpectedHours is the PERT expected value (O + 4L + P) / 6.
func (e Estimate) ExpectedHours() float64 {
	return (e.OptimisticHours + 4*e.LikelyHours + e.PessimisticHours) / 6
}

// StdDevHours is the PERT standard deviation (P - O) / 6.
func (e Estimate) StdDevHours() float64 {
	return (e.PessimisticHours - e.OptimisticHours) / 6
}

// ComplexityLevel buckets a task by expected hours.
type ComplexityLevel string

const (
	ComplexityTrivial  ComplexityLevel = "TRIVIAL"
	ComplexitySimple   ComplexityLevel = "SIMPLE"
	ComplexityModerate ComplexityLevel = "MODERATE"
	ComplexityComplex  ComplexityLevel = "COMPLEX"
	ComplexityExpert   ComplexityLevel = "EXPERT"
)

// Complexity buckets the expected hours into a level.
func (e Estimate) Complexity() ComplexityLevel {
	h := e.ExpectedHours()
	switch {
	case h < 0.25:
		return ComplexityTrivial
	case h < 1:
		return ComplexitySimple
	case h < 4:
		return ComplexityModerate
	case h < 8:
		return ComplexityComplex
	default:
		return ComplexityExpert
	}
}

// TaskArtifact is an output a task produced.
type TaskArtifact struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// TaskAttempt records one execution attempt for a task.
type TaskAttempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // success, failure, partial
	AgentID   uuid.UUID `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Task is a node of the work DAG under a session.
type Task struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	SessionID    uuid.UUID  `json:"session_id" db:"session_id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty" db:"parent_task_id"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`
	TaskType    string `json:"task_type" db:"task_type"`

	Status   TaskStatus `json:"status" db:"status"`
	Priority Priority   `json:"priority" db:"priority"`

	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`

	Estimate     Estimate         `json:"estimate"`
	Dependencies []TaskDependency `json:"dependencies,omitempty"`
	ChildIDs     []uuid.UUID      `json:"children,omitempty"`

	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Artifacts []TaskArtifact         `json:"artifacts,omitempty"`
	Attempts  []TaskAttempt          `json:"attempts,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Version   int64      `json:"version" db:"version"`
}

// NewTaskInput carries the caller-supplied fields of a new task.
type NewTaskInput struct {
	SessionID    uuid.UUID
	TenantID     uuid.UUID
	ParentTaskID *uuid.UUID
	Title        string
	Description  string
	TaskType     string
	Priority     Priority
	Estimate     Estimate
	Dependencies []TaskDependency
}

// NewTask validates input and builds a PENDING task.
func NewTask(in NewTaskInput) (*Task, error) {
	if err := ValidateTaskTitle(in.Title); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if err := ValidatePriority(in.Priority); err != nil {
		return nil, err
	}
	if in.Estimate.Source == "" {
		in.Estimate.Source = EstimateDefault
	}

	now := time.Now().UTC()
	return &Task{
		ID:           uuid.New(),
		SessionID:    in.SessionID,
		TenantID:     in.TenantID,
		ParentTaskID: in.ParentTaskID,
		Title:        in.Title,
		Description:  in.Description,
		TaskType:     in.TaskType,
		Status:       TaskPending,
		Priority:     in.Priority,
		Estimate:     in.Estimate,
		Dependencies: in.Dependencies,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

// IsLeaf reports whether the task has no children.
func (t *Task) IsLeaf() bool { return len(t.ChildIDs) == 0 }
