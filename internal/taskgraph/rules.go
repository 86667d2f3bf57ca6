package taskgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"codeplane/internal/types"
)

// Rule is a table-driven decomposition rule: a pattern over title and
// description, a named splitter, parameters and a priority. Higher priority
// applies first. Rules are records, not plugins.
type Rule struct {
	Name         string
	Pattern      *regexp.Regexp
	StrategyName string
	Parameters   map[string]interface{}
	Priority     int
	Apply        func(parent *types.Task, params map[string]interface{}) (*DecomposeResult, error)
}

// matchRule returns the highest-priority rule whose pattern matches the
// task's title or description.
func (d *Decomposer) matchRule(t *types.Task) (Rule, bool) {
	matched := make([]Rule, 0, 2)
	haystack := t.Title + "\n" + t.Description
	for _, r := range d.rules {
		if r.Pattern.MatchString(haystack) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Rule{}, false
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })
	return matched[0], true
}

// builtinRules returns the rule table shipped with the decomposer.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:         "microservice",
			Pattern:      regexp.MustCompile(`(?i)\bmicroservices?\b`),
			StrategyName: "microservice",
			Parameters:   map[string]interface{}{"service_count": 3},
			Priority:     100,
			Apply:        applyMicroserviceRule,
		},
		{
			Name:         "crud",
			Pattern:      regexp.MustCompile(`(?i)\bcrud\b`),
			StrategyName: "crud",
			Parameters:   map[string]interface{}{"include_tests": true},
			Priority:     90,
			Apply:        applyCRUDRule,
		},
		{
			Name:         "ui-components",
			Pattern:      regexp.MustCompile(`(?i)\b(ui|frontend|dashboard|interface)\b`),
			StrategyName: "ui_components",
			Parameters:   map[string]interface{}{},
			Priority:     80,
			Apply:        applyUIComponentsRule,
		},
		{
			Name:         "security",
			Pattern:      regexp.MustCompile(`(?i)\b(security|hardening|penetration)\b`),
			StrategyName: "security_phases",
			Parameters:   map[string]interface{}{"security_level": 1.0},
			Priority:     85,
			Apply:        applySecurityRule,
		},
	}
}

// sharedComponentNames derives the shared-component set for a microservice
// split from signals in the description; always at least the gateway.
func sharedComponentNames(description string) []string {
	lower := strings.ToLower(description)
	var shared []string
	if strings.Contains(lower, "auth") {
		shared = append(shared, "auth")
	}
	if strings.Contains(lower, "database") || strings.Contains(lower, "storage") {
		shared = append(shared, "database")
	}
	shared = append(shared, "api_gateway")
	return shared
}

// applyMicroserviceRule produces N service tasks plus shared-component
// tasks. Service tasks depend START_TO_START on every shared component so
// shared work begins first without serializing the services.
func applyMicroserviceRule(parent *types.Task, params map[string]interface{}) (*DecomposeResult, error) {
	count := 3
	if v, ok := params["service_count"].(int); ok && v > 0 {
		count = v
	}
	hours := parent.Estimate.ExpectedHours()
	shared := sharedComponentNames(parent.Description)
	shareHours := hours * 0.4 / float64(len(shared))
	serviceHours := hours * 0.6 / float64(count)

	sharedTasks := make([]*types.Task, 0, len(shared))
	for _, name := range shared {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Build shared %s component", name),
			Description:  fmt.Sprintf("Shared %s component used by every service in: %s", name, parent.Description),
			Hours:        shareHours,
			Capabilities: []types.Capability{types.CapArchitectureDesign, types.CapCodeGeneration},
		})
		if err != nil {
			return nil, err
		}
		sharedTasks = append(sharedTasks, t)
	}

	subtasks := append([]*types.Task(nil), sharedTasks...)
	for i := 0; i < count; i++ {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Build service %d of %d", i+1, count),
			Description:  fmt.Sprintf("Service %d of %d for: %s", i+1, count, parent.Description),
			Hours:        serviceHours,
			Capabilities: []types.Capability{types.CapCodeGeneration, types.CapAPIDesign},
		})
		if err != nil {
			return nil, err
		}
		for _, sc := range sharedTasks {
			t.Dependencies = append(t.Dependencies, types.TaskDependency{
				TargetTaskID: sc.ID,
				Kind:         types.StartToStart,
				Required:     true,
			})
		}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: "microservice", Subtasks: subtasks}, nil
}

// applyCRUDRule produces one subtask per CRUD verb plus an optional test
// task depending FINISH_TO_START on all of them.
func applyCRUDRule(parent *types.Task, params map[string]interface{}) (*DecomposeResult, error) {
	verbs := []string{"create", "read", "update", "delete"}
	hours := parent.Estimate.ExpectedHours() / 5
	subtasks := make([]*types.Task, 0, 5)
	for _, verb := range verbs {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Implement %s operation", verb),
			Description:  fmt.Sprintf("%s operation of: %s", capitalize(verb), parent.Description),
			Hours:        hours,
			Capabilities: []types.Capability{types.CapCodeGeneration, types.CapDatabaseDesign},
		})
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, t)
	}

	if include, ok := params["include_tests"].(bool); !ok || include {
		test, err := newSubtask(parent, subtaskSpec{
			Title:        "Test all CRUD operations",
			Description:  fmt.Sprintf("Tests covering create/read/update/delete for: %s", parent.Description),
			Hours:        hours,
			Capabilities: []types.Capability{types.CapTestGeneration},
		})
		if err != nil {
			return nil, err
		}
		for _, op := range subtasks {
			test.Dependencies = append(test.Dependencies, types.TaskDependency{
				TargetTaskID: op.ID,
				Kind:         types.FinishToStart,
				Required:     true,
			})
		}
		subtasks = append(subtasks, test)
	}
	return &DecomposeResult{Strategy: "crud", Subtasks: subtasks}, nil
}

// applyUIComponentsRule builds layout first; form, table and chart work
// depend START_TO_START on the layout.
func applyUIComponentsRule(parent *types.Task, _ map[string]interface{}) (*DecomposeResult, error) {
	hours := parent.Estimate.ExpectedHours() / 4

	layout, err := newSubtask(parent, subtaskSpec{
		Title:        "Build layout structure",
		Description:  fmt.Sprintf("Layout and navigation skeleton for: %s", parent.Description),
		Hours:        hours,
		Capabilities: []types.Capability{types.CapUIDesign},
	})
	if err != nil {
		return nil, err
	}

	subtasks := []*types.Task{layout}
	for _, component := range []string{"form", "table", "chart"} {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Build %s components", component),
			Description:  fmt.Sprintf("%s components for: %s", capitalize(component), parent.Description),
			Hours:        hours,
			Capabilities: []types.Capability{types.CapUIDesign, types.CapCodeGeneration},
		})
		if err != nil {
			return nil, err
		}
		t.Dependencies = []types.TaskDependency{{
			TargetTaskID: layout.ID,
			Kind:         types.StartToStart,
			Required:     true,
		}}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: "ui_components", Subtasks: subtasks}, nil
}

// applySecurityRule builds the sequential design -> implementation ->
// testing -> audit chain, hours scaled by the security level parameter.
func applySecurityRule(parent *types.Task, params map[string]interface{}) (*DecomposeResult, error) {
	level := 1.0
	if v, ok := params["security_level"].(float64); ok && v > 0 {
		level = v
	}
	phases := []struct {
		title string
		caps  []types.Capability
	}{
		{"Design security controls", []types.Capability{types.CapArchitectureDesign, types.CapSecurityAudit}},
		{"Implement security controls", []types.Capability{types.CapCodeGeneration}},
		{"Test security controls", []types.Capability{types.CapTestGeneration}},
		{"Review security posture", []types.Capability{types.CapSecurityAudit}},
	}
	hours := parent.Estimate.ExpectedHours() * level / float64(len(phases))

	subtasks := make([]*types.Task, 0, len(phases))
	for i, phase := range phases {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        phase.title,
			Description:  fmt.Sprintf("%s for: %s", phase.title, parent.Description),
			Hours:        hours,
			Capabilities: phase.caps,
		})
		if err != nil {
			return nil, err
		}
		if i > 0 {
			t.Dependencies = []types.TaskDependency{{
				TargetTaskID: subtasks[i-1].ID,
				Kind:         types.FinishToStart,
				Required:     true,
			}}
		}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: "security_phases", Subtasks: subtasks}, nil
}

// capitalize upper-cases the first letter of a word.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
