package types

import (
	"strings"
	"unicode"

	"codeplane/internal/apperrors"
)

// bannedSessionTitles are generic phrases rejected as session titles.
var bannedSessionTitles = map[string]bool{
	"test":        true,
	"untitled":    true,
	"new session": true,
	"session":     true,
	"task":        true,
	"todo":        true,
	"misc":        true,
}

// taskActionVerbs is the fixed list a task title must begin with.
var taskActionVerbs = map[string]bool{
	"implement":   true,
	"add":         true,
	"create":      true,
	"build":       true,
	"fix":         true,
	"refactor":    true,
	"design":      true,
	"analyze":     true,
	"review":      true,
	"test":        true,
	"write":       true,
	"update":      true,
	"remove":      true,
	"document":    true,
	"integrate":   true,
	"deploy":      true,
	"configure":   true,
	"optimize":    true,
	"investigate": true,
	"migrate":     true,
}

// genericAgentNames are rejected as agent names.
var genericAgentNames = map[string]bool{
	"agent":     true,
	"bot":       true,
	"worker":    true,
	"assistant": true,
	"ai":        true,
	"test":      true,
}

// ValidateSessionTitle rejects empty or generic session titles.
func ValidateSessionTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "session title must not be empty")
	}
	if bannedSessionTitles[strings.ToLower(trimmed)] {
		return apperrors.New(apperrors.CodeValidation, "session title %q is too generic", trimmed)
	}
	return nil
}

// ValidateSessionType checks membership in the closed session type set.
func ValidateSessionType(t SessionType) error {
	switch t {
	case SessionPlanning, SessionExecution, SessionReview, SessionDebug, SessionIntegration:
		return nil
	}
	return apperrors.New(apperrors.CodeValidation, "unknown session type %q", t)
}

// ValidatePriority checks membership in the closed priority set.
func ValidatePriority(p Priority) error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityDeferred:
		return nil
	}
	return apperrors.New(apperrors.CodeValidation, "unknown priority %q", p)
}

// ValidateMaxDuration bounds a session's max duration to [60, 86400] seconds.
func ValidateMaxDuration(seconds int) error {
	if seconds < 60 || seconds > 86400 {
		return apperrors.New(apperrors.CodeValidation,
			"max_duration_seconds %d outside [60, 86400]", seconds)
	}
	return nil
}

// ValidateTaskTitle requires a title beginning with an action verb.
func ValidateTaskTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "task title must not be empty")
	}
	first := strings.ToLower(strings.Fields(trimmed)[0])
	if !taskActionVerbs[first] {
		return apperrors.New(apperrors.CodeValidation,
			"task title must begin with an action verb, got %q", first)
	}
	return nil
}

// ValidateAgentName requires a descriptive, capitalized, non-generic name.
func ValidateAgentName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < 3 {
		return apperrors.New(apperrors.CodeValidation, "agent name must be at least 3 characters")
	}
	r := []rune(trimmed)
	if !unicode.IsUpper(r[0]) {
		return apperrors.New(apperrors.CodeValidation, "agent name must be capitalized")
	}
	if genericAgentNames[strings.ToLower(trimmed)] {
		return apperrors.New(apperrors.CodeValidation, "agent name %q is too generic", trimmed)
	}
	return nil
}

// ValidateAgentCapabilities enforces the closed capability set and the
// per-type primary allow-list.
func ValidateAgentCapabilities(agentType AgentType, primary, secondary []Capability) error {
	allowed, ok := PrimaryCapabilityAllowList[agentType]
	if !ok {
		return apperrors.New(apperrors.CodeValidation, "unknown agent type %q", agentType)
	}
	if len(primary) == 0 {
		return apperrors.New(apperrors.CodeValidation, "agent must declare at least one primary capability")
	}
	allowedSet := make(map[Capability]bool, len(allowed))
	for _, c := range allowed {
		allowedSet[c] = true
	}
	for _, c := range primary {
		if !validCapability(c) {
			return apperrors.New(apperrors.CodeValidation, "unknown capability %q", c)
		}
		if !allowedSet[c] {
			return apperrors.New(apperrors.CodeValidation,
				"capability %s is not a valid primary capability for agent type %s", c, agentType)
		}
	}
	for _, c := range secondary {
		if !validCapability(c) {
			return apperrors.New(apperrors.CodeValidation, "unknown capability %q", c)
		}
	}
	return nil
}

func validCapability(c Capability) bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// ValidateAgentModelConfig checks the provider/model shape, temperature
// bounds and minimum prompt length.
func ValidateAgentModelConfig(mc AgentModelConfig) error {
	parts := strings.SplitN(mc.Model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return apperrors.New(apperrors.CodeValidation,
			"model config must have provider/model shape, got %q", mc.Model)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return apperrors.New(apperrors.CodeValidation,
			"temperature %.2f outside [0, 2]", mc.Temperature)
	}
	if len(mc.SystemPromptTemplate) < 50 {
		return apperrors.New(apperrors.CodeValidation,
			"system prompt template must be at least 50 characters, got %d", len(mc.SystemPromptTemplate))
	}
	return nil
}
