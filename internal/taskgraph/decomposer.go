package taskgraph

import (
	"context"
	"fmt"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// Strategy names the built-in decomposition strategies.
type Strategy string

const (
	StrategyFunctional Strategy = "functional"
	StrategyTemporal   Strategy = "temporal"
	StrategyCapability Strategy = "capability"
)

// temporalPhases is the ordered sequence the temporal strategy truncates.
var temporalPhases = []struct {
	verb string
	name string
}{
	{"Analyze", "Analysis"},
	{"Design", "Design"},
	{"Implement", "Implementation"},
	{"Test", "Testing"},
	{"Review", "Review"},
}

// PlanIssue is a defect found while validating a decomposition.
type PlanIssue struct {
	Kind        string `json:"kind"` // cycle or non_reducing
	Description string `json:"description"`
}

// DecomposeRequest parameterizes one decomposition.
type DecomposeRequest struct {
	Strategy         Strategy // empty = rule/template selection
	MaxDepth         int      // 0 = default 3
	TargetComplexity float64  // target leaf expected hours, 0 = default 2
	SubtaskCount     int      // functional split width, 0 = default 3
	AutoEstimate     bool
}

// DecomposeResult is the outcome of a decomposition: new subtasks plus any
// validation issues found in the produced plan.
type DecomposeResult struct {
	Strategy Strategy
	Subtasks []*types.Task
	Issues   []PlanIssue
}

// Decomposer splits tasks into subtask DAGs using rules, templates and the
// built-in strategies. Rules and templates are data, not code: a table
// lookup picks the splitter.
type Decomposer struct {
	rules        []Rule
	templates    []Template
	parentLookup func(ctx context.Context, id uuid.UUID) (*types.Task, error)
	log          *logging.Logger
}

// NewDecomposer builds a decomposer with the built-in rule and template
// tables.
func NewDecomposer() *Decomposer {
	return &Decomposer{
		rules:     builtinRules(),
		templates: builtinTemplates(),
		log:       logging.Get(logging.CategoryTask),
	}
}

// AddRule registers an extra rule; higher priority applies first.
func (d *Decomposer) AddRule(r Rule) { d.rules = append(d.rules, r) }

// AddTemplate registers an extra template.
func (d *Decomposer) AddTemplate(t Template) { d.templates = append(d.templates, t) }

// SetParentLookup installs the resolver used to walk a task's ancestry when
// bounding recursion depth. Without it, only the immediate parent link is
// visible and depth saturates at 1.
func (d *Decomposer) SetParentLookup(fn func(ctx context.Context, id uuid.UUID) (*types.Task, error)) {
	d.parentLookup = fn
}

// Decompose splits parent into subtasks. Selection order: explicit strategy
// in the request, then the highest-priority matching rule, then the first
// applicable template, then the functional default. Decomposition that
// would not reduce complexity is refused.
func (d *Decomposer) Decompose(ctx context.Context, parent *types.Task, req DecomposeRequest) (*DecomposeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCancelled, err, "decomposition cancelled")
	}
	if req.MaxDepth == 0 {
		req.MaxDepth = 3
	}
	if req.TargetComplexity == 0 {
		req.TargetComplexity = 2
	}
	if req.SubtaskCount == 0 {
		req.SubtaskCount = 3
	}

	EnsureEstimate(parent, true)
	if depth := d.taskDepth(ctx, parent); depth >= req.MaxDepth {
		return nil, apperrors.New(apperrors.CodeValidation,
			"task %s at depth %d exceeds max decomposition depth %d", parent.ID, depth, req.MaxDepth)
	}
	if parent.Estimate.ExpectedHours() <= req.TargetComplexity {
		return nil, apperrors.New(apperrors.CodeValidation,
			"task %s (%.1fh expected) is already at or below target complexity %.1fh",
			parent.ID, parent.Estimate.ExpectedHours(), req.TargetComplexity)
	}

	var (
		result *DecomposeResult
		err    error
	)
	switch {
	case req.Strategy != "":
		result, err = d.applyStrategy(parent, req.Strategy, req)
	default:
		if rule, ok := d.matchRule(parent); ok {
			d.log.Debug("task %s matched rule %q", parent.ID, rule.Name)
			result, err = rule.Apply(parent, rule.Parameters)
		} else if tmpl, ok := d.matchTemplate(parent); ok {
			d.log.Debug("task %s matched template %q", parent.ID, tmpl.Name)
			result, err = tmpl.Apply(parent)
		} else {
			result, err = d.applyStrategy(parent, StrategyFunctional, req)
		}
	}
	if err != nil {
		return nil, err
	}

	prevChildren := parent.ChildIDs
	d.finalize(parent, result)
	result.Issues = append(result.Issues, validatePlan(parent, result.Subtasks)...)
	for _, issue := range result.Issues {
		switch issue.Kind {
		case "cycle":
			parent.ChildIDs = prevChildren
			return nil, apperrors.New(apperrors.CodeCycleDetected, "%s", issue.Description)
		case "non_reducing":
			parent.ChildIDs = prevChildren
			return nil, apperrors.New(apperrors.CodeValidation,
				"decomposition of task %s rejected: %s", parent.ID, issue.Description)
		}
	}

	logging.Task("decomposed task %s into %d subtasks (strategy=%s, issues=%d)",
		parent.ID, len(result.Subtasks), result.Strategy, len(result.Issues))
	return result, nil
}

// applyStrategy runs one of the three built-in strategies.
func (d *Decomposer) applyStrategy(parent *types.Task, s Strategy, req DecomposeRequest) (*DecomposeResult, error) {
	switch s {
	case StrategyFunctional:
		return d.functional(parent, req.SubtaskCount)
	case StrategyTemporal:
		return d.temporal(parent, req.SubtaskCount)
	case StrategyCapability:
		return d.capability(parent)
	default:
		return nil, apperrors.New(apperrors.CodeValidation, "unknown strategy %q", s)
	}
}

// functional splits the parent into n sibling subtasks of equal estimated
// hours with no interdependencies.
func (d *Decomposer) functional(parent *types.Task, n int) (*DecomposeResult, error) {
	if n < 2 {
		n = 2
	}
	share := parent.Estimate.ExpectedHours() / float64(n)
	subtasks := make([]*types.Task, 0, n)
	for i := 0; i < n; i++ {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Implement %s part %d of %d", parent.Title, i+1, n),
			Description:  fmt.Sprintf("Part %d of %d of: %s", i+1, n, parent.Description),
			Hours:        share,
			Capabilities: parent.Estimate.RequiredCapabilities,
		})
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: StrategyFunctional, Subtasks: subtasks}, nil
}

// temporal produces the ordered [Analysis, Design, Implementation, Testing,
// Review] chain truncated to n; each phase depends FINISH_TO_START on the
// previous one.
func (d *Decomposer) temporal(parent *types.Task, n int) (*DecomposeResult, error) {
	if n <= 0 || n > len(temporalPhases) {
		n = len(temporalPhases)
	}
	share := parent.Estimate.ExpectedHours() / float64(n)
	subtasks := make([]*types.Task, 0, n)
	for i := 0; i < n; i++ {
		phase := temporalPhases[i]
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("%s %s", phase.verb, parent.Title),
			Description:  fmt.Sprintf("%s phase of: %s", phase.name, parent.Description),
			Hours:        share,
			Capabilities: parent.Estimate.RequiredCapabilities,
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
	return &DecomposeResult{Strategy: StrategyTemporal, Subtasks: subtasks}, nil
}

// capability produces one subtask per required capability, each tagged with
// that capability only.
func (d *Decomposer) capability(parent *types.Task) (*DecomposeResult, error) {
	caps := parent.Estimate.RequiredCapabilities
	if len(caps) == 0 {
		caps = InferCapabilities(parent.Description)
	}
	share := parent.Estimate.ExpectedHours() / float64(len(caps))
	subtasks := make([]*types.Task, 0, len(caps))
	for _, cap := range caps {
		t, err := newSubtask(parent, subtaskSpec{
			Title:        fmt.Sprintf("Implement %s work for %s", capabilityLabel(cap), parent.Title),
			Description:  fmt.Sprintf("%s portion of: %s", capabilityLabel(cap), parent.Description),
			Hours:        share,
			Capabilities: []types.Capability{cap},
		})
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, t)
	}
	return &DecomposeResult{Strategy: StrategyCapability, Subtasks: subtasks}, nil
}

// finalize links children to the parent and stamps lineage invariants:
// tenant and session are inherited, estimates marked as decomposition.
func (d *Decomposer) finalize(parent *types.Task, result *DecomposeResult) {
	parent.ChildIDs = make([]uuid.UUID, 0, len(result.Subtasks))
	for _, t := range result.Subtasks {
		t.TenantID = parent.TenantID
		t.SessionID = parent.SessionID
		pid := parent.ID
		t.ParentTaskID = &pid
		t.Estimate.Source = types.EstimateDecomposition
		parent.ChildIDs = append(parent.ChildIDs, t.ID)
	}
}

// validatePlan checks the produced subtree for dependency cycles and
// degenerate output (fewer than two subtasks, or a subtask no simpler than
// its parent). Reachability of subtasks is not checked.
func validatePlan(parent *types.Task, subtasks []*types.Task) []PlanIssue {
	var issues []PlanIssue
	if len(subtasks) < 2 {
		issues = append(issues, PlanIssue{
			Kind:        "non_reducing",
			Description: "decomposition produced fewer than 2 subtasks",
		})
		return issues
	}
	if _, err := NewGraph(subtasks); err != nil {
		issues = append(issues, PlanIssue{
			Kind:        "cycle",
			Description: err.Error(),
		})
	}
	var total float64
	for _, t := range subtasks {
		total += t.Estimate.ExpectedHours()
		if t.Estimate.ExpectedHours() >= parent.Estimate.ExpectedHours() {
			issues = append(issues, PlanIssue{
				Kind:        "non_reducing",
				Description: fmt.Sprintf("subtask %q is no simpler than its parent", t.Title),
			})
		}
	}
	return issues
}

// subtaskSpec is the decomposer-internal description of one child task.
type subtaskSpec struct {
	Title        string
	Description  string
	Hours        float64
	Capabilities []types.Capability
}

// newSubtask builds a child task from a spec, inheriting parent identity.
func newSubtask(parent *types.Task, spec subtaskSpec) (*types.Task, error) {
	pid := parent.ID
	t, err := types.NewTask(types.NewTaskInput{
		SessionID:    parent.SessionID,
		TenantID:     parent.TenantID,
		ParentTaskID: &pid,
		Title:        spec.Title,
		Description:  spec.Description,
		TaskType:     parent.TaskType,
		Priority:     parent.Priority,
		Estimate: types.Estimate{
			OptimisticHours:      spec.Hours * 0.5,
			LikelyHours:          spec.Hours,
			PessimisticHours:     spec.Hours * 2,
			RequiredCapabilities: spec.Capabilities,
			Confidence:           parent.Estimate.Confidence,
			Source:               types.EstimateDecomposition,
		},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// maxAncestryWalk caps the parent chase so a corrupted parent cycle in the
// store cannot spin the walk forever.
const maxAncestryWalk = 64

// taskDepth walks the parent chain through the installed lookup to count
// true decomposition ancestry. Without a lookup only the immediate parent
// link is visible, so depth saturates at 1.
func (d *Decomposer) taskDepth(ctx context.Context, t *types.Task) int {
	if t.ParentTaskID == nil {
		return 0
	}
	depth := 1
	if d.parentLookup == nil {
		return depth
	}
	parentID := *t.ParentTaskID
	seen := map[uuid.UUID]bool{t.ID: true}
	for depth < maxAncestryWalk {
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		parent, err := d.parentLookup(ctx, parentID)
		if err != nil || parent == nil || parent.ParentTaskID == nil {
			break
		}
		depth++
		parentID = *parent.ParentTaskID
	}
	return depth
}

func capabilityLabel(c types.Capability) string {
	switch c {
	case types.CapCodeGeneration:
		return "implementation"
	case types.CapTestGeneration:
		return "testing"
	case types.CapCodeReview:
		return "review"
	case types.CapArchitectureDesign:
		return "design"
	case types.CapSecurityAudit:
		return "security"
	case types.CapDatabaseDesign:
		return "database"
	case types.CapAPIDesign:
		return "API"
	default:
		return string(c)
	}
}
