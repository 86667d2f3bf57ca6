package taskgraph

import (
	"fmt"
	"strings"

	"codeplane/internal/types"
)

// SubtaskTemplate is a title/description skeleton within a template. The
// %s placeholder receives the parent title.
type SubtaskTemplate struct {
	TitleFormat       string
	DescriptionFormat string
	Capabilities      []types.Capability
	EstimatedHours    float64
	DependsOnPrevious bool
}

// Template declares a reusable decomposition plan. A template applies when
// the task's type matches, is not excluded, and the task's expected hours
// reach the threshold.
type Template struct {
	Name                 string
	ComplexityThreshold  float64 // minimum parent expected hours
	Strategy             Strategy
	MaxDepth             int
	TargetLeafComplexity float64
	ApplicableTaskTypes  []string
	ExcludedTaskTypes    []string
	Subtasks             []SubtaskTemplate
}

// Applies evaluates the template's applicability predicate against a task.
func (tmpl Template) Applies(t *types.Task) bool {
	if t.Estimate.ExpectedHours() < tmpl.ComplexityThreshold {
		return false
	}
	for _, excluded := range tmpl.ExcludedTaskTypes {
		if strings.EqualFold(t.TaskType, excluded) {
			return false
		}
	}
	if len(tmpl.ApplicableTaskTypes) == 0 {
		return true
	}
	for _, applicable := range tmpl.ApplicableTaskTypes {
		if strings.EqualFold(t.TaskType, applicable) {
			return true
		}
	}
	return false
}

// Apply instantiates the template's subtask skeletons against a parent.
func (tmpl Template) Apply(parent *types.Task) (*DecomposeResult, error) {
	subtasks := make([]*types.Task, 0, len(tmpl.Subtasks))
	for i, st := range tmpl.Subtasks {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf(st.TitleFormat, parent.Title),
			Description:  fmt.Sprintf(st.DescriptionFormat, parent.Description),
			Hours:        st.EstimatedHours,
			Capabilities: st.Capabilities,
		})
		if err != nil {
			return nil, err
		}
		if st.DependsOnPrevious && i > 0 {
			t.Dependencies = []types.TaskDependency{{
				TargetTaskID: subtasks[i-1].ID,
				Kind:         types.FinishToStart,
				Required:     true,
			}}
		}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: tmpl.Strategy, Subtasks: subtasks}, nil
}

// matchTemplate returns the first applicable template.
func (d *Decomposer) matchTemplate(t *types.Task) (Template, bool) {
	for _, tmpl := range d.templates {
		if tmpl.Applies(t) {
			return tmpl, true
		}
	}
	return Template{}, false
}

// builtinTemplates ships the standard feature and integration templates.
func builtinTemplates() []Template {
	return []Template{
		{
			Name:                 "feature-development",
			ComplexityThreshold:  8,
			Strategy:             StrategyTemporal,
			MaxDepth:             3,
			TargetLeafComplexity: 2,
			ApplicableTaskTypes:  []string{"feature", "enhancement"},
			Subtasks: []SubtaskTemplate{
				{
					TitleFormat:       "Analyze requirements for %s",
					DescriptionFormat: "Requirements analysis for: %s",
					Capabilities:      []types.Capability{types.CapRequirementsAnalysis},
					EstimatedHours:    2,
				},
				{
					TitleFormat:       "Design %s",
					DescriptionFormat: "Technical design for: %s",
					Capabilities:      []types.Capability{types.CapArchitectureDesign},
					EstimatedHours:    3,
					DependsOnPrevious: true,
				},
				{
					TitleFormat:       "Implement %s",
					DescriptionFormat: "Implementation of: %s",
					Capabilities:      []types.Capability{types.CapCodeGeneration},
					EstimatedHours:    6,
					DependsOnPrevious: true,
				},
				{
					TitleFormat:       "Test %s",
					DescriptionFormat: "Test coverage for: %s",
					Capabilities:      []types.Capability{types.CapTestGeneration},
					EstimatedHours:    3,
					DependsOnPrevious: true,
				},
				{
					TitleFormat:       "Review %s",
					DescriptionFormat: "Code review of: %s",
					Capabilities:      []types.Capability{types.CapCodeReview},
					EstimatedHours:    1,
					DependsOnPrevious: true,
				},
			},
		},
		{
			Name:                 "integration",
			ComplexityThreshold:  4,
			Strategy:             StrategyTemporal,
			MaxDepth:             2,
			TargetLeafComplexity: 2,
			ApplicableTaskTypes:  []string{"integration"},
			ExcludedTaskTypes:    []string{"bugfix"},
			Subtasks: []SubtaskTemplate{
				{
					TitleFormat:       "Analyze integration points for %s",
					DescriptionFormat: "Integration analysis for: %s",
					Capabilities:      []types.Capability{types.CapIntegration, types.CapRequirementsAnalysis},
					EstimatedHours:    2,
				},
				{
					TitleFormat:       "Implement integration for %s",
					DescriptionFormat: "Integration implementation for: %s",
					Capabilities:      []types.Capability{types.CapIntegration, types.CapCodeGeneration},
					EstimatedHours:    4,
					DependsOnPrevious: true,
				},
				{
					TitleFormat:       "Test integration of %s",
					DescriptionFormat: "End-to-end verification of: %s",
					Capabilities:      []types.Capability{types.CapTestGeneration},
					EstimatedHours:    2,
					DependsOnPrevious: true,
				},
			},
		},
	}
}
