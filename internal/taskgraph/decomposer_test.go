package taskgraph

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionalStrategy(t *testing.T) {
	parent := mkTask(t, "Implement ingest pipeline", 9)
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{
		Strategy:     StrategyFunctional,
		SubtaskCount: 3,
	})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 3)

	for _, sub := range result.Subtasks {
		assert.Equal(t, parent.TenantID, sub.TenantID, "decomposition preserves tenant")
		assert.Equal(t, parent.SessionID, sub.SessionID)
		require.NotNil(t, sub.ParentTaskID)
		assert.Equal(t, parent.ID, *sub.ParentTaskID)
		assert.Empty(t, sub.Dependencies, "functional split has no interdependencies")
		assert.InDelta(t, 3.0, sub.Estimate.ExpectedHours(), 0.01)
		assert.Equal(t, types.EstimateDecomposition, sub.Estimate.Source)
	}
	assert.Len(t, parent.ChildIDs, 3)
}

func TestTemporalStrategy(t *testing.T) {
	parent := mkTask(t, "Implement billing module", 10)
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{
		Strategy:     StrategyTemporal,
		SubtaskCount: 5,
	})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 5)

	// Ordered chain: every phase after the first depends FS on the previous.
	assert.Empty(t, result.Subtasks[0].Dependencies)
	for i := 1; i < 5; i++ {
		deps := result.Subtasks[i].Dependencies
		require.Len(t, deps, 1)
		assert.Equal(t, result.Subtasks[i-1].ID, deps[0].TargetTaskID)
		assert.Equal(t, types.FinishToStart, deps[0].Kind)
	}
	assert.True(t, strings.HasPrefix(result.Subtasks[0].Title, "Analyze"))
	assert.True(t, strings.HasPrefix(result.Subtasks[4].Title, "Review"))
}

func TestCapabilityStrategy(t *testing.T) {
	parent := mkTask(t, "Implement reporting", 8)
	parent.Estimate.RequiredCapabilities = []types.Capability{
		types.CapCodeGeneration, types.CapTestGeneration,
	}
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{
		Strategy: StrategyCapability,
	})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 2)
	assert.Equal(t, []types.Capability{types.CapCodeGeneration},
		result.Subtasks[0].Estimate.RequiredCapabilities)
	assert.Equal(t, []types.Capability{types.CapTestGeneration},
		result.Subtasks[1].Estimate.RequiredCapabilities)
}

func TestMicroserviceRule(t *testing.T) {
	parent := mkTask(t, "Build microservice for billing", 12)
	parent.Description = "Billing microservice with an API, database persistence and auth"
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.NoError(t, err)
	assert.Equal(t, Strategy("microservice"), result.Strategy)

	var shared, services []*types.Task
	for _, sub := range result.Subtasks {
		if strings.HasPrefix(sub.Title, "Build shared") {
			shared = append(shared, sub)
		} else {
			services = append(services, sub)
		}
	}
	require.Len(t, services, 3, "3 service subtasks")
	require.Len(t, shared, 3, "auth, database, api_gateway shared components")

	sharedNames := make([]string, 0, 3)
	for _, sc := range shared {
		sharedNames = append(sharedNames, sc.Title)
	}
	assert.Contains(t, sharedNames, "Build shared auth component")
	assert.Contains(t, sharedNames, "Build shared database component")
	assert.Contains(t, sharedNames, "Build shared api_gateway component")

	// Every service depends START_TO_START on every shared component.
	for _, svc := range services {
		require.Len(t, svc.Dependencies, len(shared))
		for _, dep := range svc.Dependencies {
			assert.Equal(t, types.StartToStart, dep.Kind)
		}
	}

	// The produced subtree is a valid DAG.
	_, err = NewGraph(result.Subtasks)
	require.NoError(t, err)
}

func TestCRUDRule(t *testing.T) {
	parent := mkTask(t, "Implement CRUD endpoints for invoices", 10)
	parent.Description = "CRUD for the invoice resource"
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 5)

	test := result.Subtasks[4]
	assert.Equal(t, "Test all CRUD operations", test.Title)
	require.Len(t, test.Dependencies, 4, "test task depends on all four operations")
	for _, dep := range test.Dependencies {
		assert.Equal(t, types.FinishToStart, dep.Kind)
	}
}

func TestUIComponentsRule(t *testing.T) {
	parent := mkTask(t, "Build dashboard UI", 8)
	parent.Description = "Dashboard frontend with charts"
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 4)

	layout := result.Subtasks[0]
	assert.Equal(t, "Build layout structure", layout.Title)
	for _, sub := range result.Subtasks[1:] {
		require.Len(t, sub.Dependencies, 1)
		assert.Equal(t, layout.ID, sub.Dependencies[0].TargetTaskID)
		assert.Equal(t, types.StartToStart, sub.Dependencies[0].Kind)
	}
}

func TestSecurityRuleIsSequential(t *testing.T) {
	parent := mkTask(t, "Implement security hardening", 12)
	parent.Description = "Security hardening across the service"
	d := NewDecomposer()

	result, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 4)
	for i := 1; i < 4; i++ {
		require.Len(t, result.Subtasks[i].Dependencies, 1)
		assert.Equal(t, result.Subtasks[i-1].ID, result.Subtasks[i].Dependencies[0].TargetTaskID)
		assert.Equal(t, types.FinishToStart, result.Subtasks[i].Dependencies[0].Kind)
	}
}

func TestDecomposeRefusesNonReducingSplit(t *testing.T) {
	parent := mkTask(t, "Fix typo in docs", 0.5)
	d := NewDecomposer()

	_, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestDecomposeStructurallyIdempotent(t *testing.T) {
	d := NewDecomposer()
	mk := func() *types.Task {
		parent := mkTask(t, "Build microservice for billing", 12)
		parent.Description = "Billing microservice with an API, database persistence and auth"
		return parent
	}

	first, err := d.Decompose(context.Background(), mk(), DecomposeRequest{})
	require.NoError(t, err)
	second, err := d.Decompose(context.Background(), mk(), DecomposeRequest{})
	require.NoError(t, err)

	// IDs differ, structure does not: same titles, same dependency shape.
	require.Len(t, second.Subtasks, len(first.Subtasks))
	for i := range first.Subtasks {
		assert.Equal(t, first.Subtasks[i].Title, second.Subtasks[i].Title)
		assert.Len(t, second.Subtasks[i].Dependencies, len(first.Subtasks[i].Dependencies))
		assert.InDelta(t, first.Subtasks[i].Estimate.ExpectedHours(),
			second.Subtasks[i].Estimate.ExpectedHours(), 1e-9)
	}
}

func TestDecomposeRejectsNonReducingPlan(t *testing.T) {
	d := NewDecomposer()
	// A pathological rule whose subtasks are as heavy as their parent.
	d.AddRule(Rule{
		Name:         "bloat",
		Pattern:      regexp.MustCompile(`(?i)\bbloat\b`),
		StrategyName: "bloat",
		Priority:     200,
		Apply: func(parent *types.Task, _ map[string]interface{}) (*DecomposeResult, error) {
			subtasks := make([]*types.Task, 0, 2)
			for i := 0; i < 2; i++ {
				sub, err := newSubtask(parent, subtaskSpec{
					Title:       "Implement bloated half",
					Description: parent.Description,
					Hours:       parent.Estimate.ExpectedHours(),
				})
				if err != nil {
					return nil, err
				}
				subtasks = append(subtasks, sub)
			}
			return &DecomposeResult{Strategy: "bloat", Subtasks: subtasks}, nil
		},
	})

	parent := mkTask(t, "Implement bloat generator", 8)
	prevChildren := len(parent.ChildIDs)

	_, err := d.Decompose(context.Background(), parent, DecomposeRequest{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	assert.Len(t, parent.ChildIDs, prevChildren, "rejected plan leaves no children behind")
}

func TestMaxDepthWalksAncestry(t *testing.T) {
	root := mkTask(t, "Implement root feature", 12)
	child := mkTask(t, "Implement first split", 12)
	grandchild := mkTask(t, "Implement second split", 12)
	child.ParentTaskID = &root.ID
	grandchild.ParentTaskID = &child.ID

	byID := map[uuid.UUID]*types.Task{
		root.ID:  root,
		child.ID: child,
	}
	d := NewDecomposer()
	d.SetParentLookup(func(_ context.Context, id uuid.UUID) (*types.Task, error) {
		return byID[id], nil
	})

	// The grandchild sits at depth 2; MaxDepth 2 forbids another split.
	_, err := d.Decompose(context.Background(), grandchild, DecomposeRequest{
		Strategy:     StrategyFunctional,
		MaxDepth:     2,
		SubtaskCount: 3,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	// A deeper budget allows it.
	result, err := d.Decompose(context.Background(), grandchild, DecomposeRequest{
		Strategy:     StrategyFunctional,
		MaxDepth:     4,
		SubtaskCount: 3,
	})
	require.NoError(t, err)
	assert.Len(t, result.Subtasks, 3)
}

func TestTaskDepthWithoutLookupSaturatesAtOne(t *testing.T) {
	d := NewDecomposer()
	root := mkTask(t, "Implement root", 4)
	child := mkTask(t, "Implement child", 4)
	child.ParentTaskID = &root.ID

	assert.Equal(t, 0, d.taskDepth(context.Background(), root))
	assert.Equal(t, 1, d.taskDepth(context.Background(), child))
}

func TestTemplateApplicability(t *testing.T) {
	tmpl := builtinTemplates()[0] // feature-development, threshold 8h

	feature := mkTask(t, "Implement exports", 10)
	feature.TaskType = "feature"
	assert.True(t, tmpl.Applies(feature))

	small := mkTask(t, "Implement tweak", 2)
	small.TaskType = "feature"
	assert.False(t, tmpl.Applies(small), "below the complexity threshold")

	other := mkTask(t, "Implement exports", 10)
	other.TaskType = "bugfix"
	assert.False(t, tmpl.Applies(other), "wrong task type")
}

func TestRulePriorityOrdering(t *testing.T) {
	d := NewDecomposer()
	// Title matches both microservice (100) and ui (80): microservice wins.
	parent := mkTask(t, "Build microservice dashboard UI", 12)
	parent.Description = "frontend microservice"

	rule, ok := d.matchRule(parent)
	require.True(t, ok)
	assert.Equal(t, "microservice", rule.Name)
}
