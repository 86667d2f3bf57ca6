package types

import (
	"time"

	"github.com/google/uuid"
)

// Capability is a named skill an agent can exercise.
type Capability string

const (
	CapCodeGeneration       Capability = "CODE_GENERATION"
	CapCodeReview           Capability = "CODE_REVIEW"
	CapTestGeneration       Capability = "TEST_GENERATION"
	CapDebugging            Capability = "DEBUGGING"
	CapRefactoring          Capability = "REFACTORING"
	CapArchitectureDesign   Capability = "ARCHITECTURE_DESIGN"
	CapAPIDesign            Capability = "API_DESIGN"
	CapDatabaseDesign       Capability = "DATABASE_DESIGN"
	CapSecurityAudit        Capability = "SECURITY_AUDIT"
	CapPerformanceAnalysis  Capability = "PERFORMANCE_ANALYSIS"
	CapRequirementsAnalysis Capability = "REQUIREMENTS_ANALYSIS"
	CapDocumentation        Capability = "DOCUMENTATION"
	CapDeployment           Capability = "DEPLOYMENT"
	CapMonitoring           Capability = "MONITORING"
	CapOrchestration        Capability = "ORCHESTRATION"
	CapDataAnalysis         Capability = "DATA_ANALYSIS"
	CapUIDesign             Capability = "UI_DESIGN"
	CapIntegration          Capability = "INTEGRATION"
	CapMigration            Capability = "MIGRATION"
	CapOptimization         Capability = "OPTIMIZATION"
)

// AllCapabilities is the closed capability set.
var AllCapabilities = []Capability{
	CapCodeGeneration, CapCodeReview, CapTestGeneration, CapDebugging,
	CapRefactoring, CapArchitectureDesign, CapAPIDesign, CapDatabaseDesign,
	CapSecurityAudit, CapPerformanceAnalysis, CapRequirementsAnalysis,
	CapDocumentation, CapDeployment, CapMonitoring, CapOrchestration,
	CapDataAnalysis, CapUIDesign, CapIntegration, CapMigration,
	CapOptimization,
}

// AgentType classifies an agent's role.
type AgentType string

const (
	AgentArchitect    AgentType = "ARCHITECT"
	AgentImplementer  AgentType = "IMPLEMENTER"
	AgentReviewer     AgentType = "REVIEWER"
	AgentDebugger     AgentType = "DEBUGGER"
	AgentIntegrator   AgentType = "INTEGRATOR"
	AgentOrchestrator AgentType = "ORCHESTRATOR"
	AgentAnalyst      AgentType = "ANALYST"
	AgentOptimizer    AgentType = "OPTIMIZER"
)

// PrimaryCapabilityAllowList maps each agent type to the primary
// capabilities it may declare. Secondary capabilities are unrestricted
// within the closed set.
var PrimaryCapabilityAllowList = map[AgentType][]Capability{
	AgentArchitect: {
		CapArchitectureDesign, CapAPIDesign, CapDatabaseDesign,
		CapRequirementsAnalysis, CapUIDesign,
	},
	AgentImplementer: {
		CapCodeGeneration, CapTestGeneration, CapRefactoring,
		CapDocumentation, CapUIDesign,
	},
	AgentReviewer: {
		CapCodeReview, CapSecurityAudit, CapDocumentation,
	},
	AgentDebugger: {
		CapDebugging, CapPerformanceAnalysis, CapTestGeneration,
	},
	AgentIntegrator: {
		CapIntegration, CapDeployment, CapMigration, CapMonitoring,
	},
	AgentOrchestrator: {
		CapOrchestration, CapMonitoring, CapRequirementsAnalysis,
	},
	AgentAnalyst: {
		CapRequirementsAnalysis, CapDataAnalysis, CapPerformanceAnalysis,
		CapSecurityAudit,
	},
	AgentOptimizer: {
		CapOptimization, CapPerformanceAnalysis, CapRefactoring,
	},
}

// AgentTier classifies an agent by its historical performance.
type AgentTier string

const (
	TierElite     AgentTier = "ELITE"
	TierAdvanced  AgentTier = "ADVANCED"
	TierCompetent AgentTier = "COMPETENT"
	TierTrainee   AgentTier = "TRAINEE"
	TierDegraded  AgentTier = "DEGRADED"
)

// Multiplier is the routing score multiplier for a tier.
func (t AgentTier) Multiplier() float64 {
	switch t {
	case TierElite:
		return 1.10
	case TierAdvanced:
		return 1.05
	case TierCompetent:
		return 1.00
	case TierTrainee:
		return 0.90
	default:
		return 0.0
	}
}

// LoadLevel classifies an agent's instantaneous load.
type LoadLevel string

const (
	LoadIdle       LoadLevel = "IDLE"
	LoadOptimal    LoadLevel = "OPTIMAL"
	LoadHigh       LoadLevel = "HIGH"
	LoadCritical   LoadLevel = "CRITICAL"
	LoadOverloaded LoadLevel = "OVERLOADED"
)

// ComplexityPreference is the complexity band an agent prefers to work in.
type ComplexityPreference string

const (
	PrefSimple  ComplexityPreference = "simple"
	PrefMedium  ComplexityPreference = "medium"
	PrefComplex ComplexityPreference = "complex"
	PrefExpert  ComplexityPreference = "expert"
)

// AgentModelConfig is the downstream model binding of an agent.
type AgentModelConfig struct {
	Model                string  `json:"model"` // provider/model
	Temperature          float64 `json:"temperature"`
	MaxTokens            int     `json:"max_tokens"`
	SystemPromptTemplate string  `json:"system_prompt_template"`
}

// AgentPerformance holds the online counters and moving averages the tier
// is derived from. Invariant: Total == Successful + Failed + Partial.
type AgentPerformance struct {
	TotalTasks      int64 `json:"total_tasks"`
	SuccessfulTasks int64 `json:"successful_tasks"`
	FailedTasks     int64 `json:"failed_tasks"`
	PartialTasks    int64 `json:"partial_tasks"`

	AvgQuality       float64 `json:"avg_quality"`
	AvgExecutionSecs float64 `json:"avg_execution_secs"`
	AvgTokensPerTask float64 `json:"avg_tokens_per_task"`
	AvgCostPerTask   float64 `json:"avg_cost_per_task"`

	CapabilitySuccess map[Capability]float64 `json:"capability_success,omitempty"`
	TechnologySuccess map[string]float64     `json:"technology_success,omitempty"`

	Tier AgentTier `json:"tier"`
}

// OverallSuccessRate is (successful + 0.5*partial) / total; 0 when idle.
func (p AgentPerformance) OverallSuccessRate() float64 {
	if p.TotalTasks == 0 {
		return 0
	}
	return (float64(p.SuccessfulTasks) + 0.5*float64(p.PartialTasks)) / float64(p.TotalTasks)
}

// AgentLoad tracks concurrent work against capacity.
type AgentLoad struct {
	Current     float64 `json:"current"`
	Capacity    float64 `json:"capacity"`
	QueueLength int     `json:"queue_length"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	NetPercent  float64 `json:"net_percent"`
	Peak        float64 `json:"peak"`
}

// Utilization is current/capacity clamped to [0,1]; 1 when capacity is 0.
func (l AgentLoad) Utilization() float64 {
	if l.Capacity <= 0 {
		return 1
	}
	u := l.Current / l.Capacity
	if u > 1 {
		return 1
	}
	return u
}

// Level buckets utilization into a load level.
func (l AgentLoad) Level() LoadLevel {
	u := l.Utilization()
	switch {
	case u < 0.25:
		return LoadIdle
	case u < 0.60:
		return LoadOptimal
	case u < 0.80:
		return LoadHigh
	case u < 1.0:
		return LoadCritical
	default:
		return LoadOverloaded
	}
}

// Agent is a worker capable of executing tasks.
type Agent struct {
	ID       uuid.UUID `json:"id" db:"id"`
	TenantID uuid.UUID `json:"tenant_id" db:"tenant_id"`

	Name         string    `json:"name" db:"name"`
	AgentType    AgentType `json:"agent_type" db:"agent_type"`
	Description  string    `json:"description,omitempty" db:"description"`
	AgentVersion string    `json:"agent_version,omitempty" db:"agent_version"`

	PrimaryCapabilities   []Capability `json:"primary_capabilities"`
	SecondaryCapabilities []Capability `json:"secondary_capabilities,omitempty"`

	ModelConfig AgentModelConfig `json:"model_config"`

	PreferredTechnologies []string             `json:"preferred_technologies,omitempty"`
	AvoidedTechnologies   []string             `json:"avoided_technologies,omitempty"`
	ComplexityPreference  ComplexityPreference `json:"complexity_preference"`
	PreferredSessionTypes []SessionType        `json:"preferred_session_types,omitempty"`
	Tags                  []string             `json:"tags,omitempty"`

	Performance AgentPerformance `json:"performance"`
	Load        AgentLoad        `json:"load"`

	IsActive        bool      `json:"is_active" db:"is_active"`
	MaintenanceMode bool      `json:"maintenance_mode" db:"maintenance_mode"`
	LastActiveAt    time.Time `json:"last_active_at" db:"last_active_at"`
	IsExternal      bool      `json:"is_external" db:"is_external"`
	Endpoint        string    `json:"endpoint,omitempty" db:"endpoint"`
	AuthToken       string    `json:"-" db:"auth_token"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Version   int64      `json:"version" db:"version"`
}

// HasCapability reports whether cap appears among the agent's primary or
// secondary capabilities.
func (a *Agent) HasCapability(cap Capability) bool {
	for _, c := range a.PrimaryCapabilities {
		if c == cap {
			return true
		}
	}
	for _, c := range a.SecondaryCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsPrimary reports whether cap is one of the agent's primary capabilities.
func (a *Agent) IsPrimary(cap Capability) bool {
	for _, c := range a.PrimaryCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// NewAgentInput carries the caller-supplied fields of a new agent.
type NewAgentInput struct {
	TenantID              uuid.UUID
	Name                  string
	AgentType             AgentType
	Description           string
	PrimaryCapabilities   []Capability
	SecondaryCapabilities []Capability
	ModelConfig           AgentModelConfig
	PreferredTechnologies []string
	AvoidedTechnologies   []string
	ComplexityPreference  ComplexityPreference
	PreferredSessionTypes []SessionType
	Tags                  []string
	Capacity              float64
	IsExternal            bool
	Endpoint              string
	AuthToken             string
}

// NewAgent validates input and builds an active agent.
func NewAgent(in NewAgentInput) (*Agent, error) {
	if err := ValidateAgentName(in.Name); err != nil {
		return nil, err
	}
	if err := ValidateAgentCapabilities(in.AgentType, in.PrimaryCapabilities, in.SecondaryCapabilities); err != nil {
		return nil, err
	}
	if err := ValidateAgentModelConfig(in.ModelConfig); err != nil {
		return nil, err
	}
	if in.ComplexityPreference == "" {
		in.ComplexityPreference = PrefMedium
	}
	capacity := in.Capacity
	if capacity <= 0 {
		capacity = 5
	}

	now := time.Now().UTC()
	return &Agent{
		ID:                    uuid.New(),
		TenantID:              in.TenantID,
		Name:                  in.Name,
		AgentType:             in.AgentType,
		Description:           in.Description,
		PrimaryCapabilities:   in.PrimaryCapabilities,
		SecondaryCapabilities: in.SecondaryCapabilities,
		ModelConfig:           in.ModelConfig,
		PreferredTechnologies: in.PreferredTechnologies,
		AvoidedTechnologies:   in.AvoidedTechnologies,
		ComplexityPreference:  in.ComplexityPreference,
		PreferredSessionTypes: in.PreferredSessionTypes,
		Tags:                  in.Tags,
		Performance:           AgentPerformance{Tier: TierTrainee},
		Load:                  AgentLoad{Capacity: capacity},
		IsActive:              true,
		LastActiveAt:          now,
		IsExternal:            in.IsExternal,
		Endpoint:              in.Endpoint,
		AuthToken:             in.AuthToken,
		CreatedAt:             now,
		UpdatedAt:             now,
		Version:               1,
	}, nil
}
