// Package taskgraph implements the task state machine, the dependency DAG
// with readiness evaluation, topological ordering and the critical path,
// plus the PERT estimator and the template/rule-driven decomposer.
package taskgraph

import (
	"sort"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// taskTransitions is the full task transition map.
var taskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending:    {types.TaskReady, types.TaskAssigned, types.TaskCancelled},
	types.TaskReady:      {types.TaskAssigned, types.TaskCancelled},
	types.TaskAssigned:   {types.TaskInProgress, types.TaskCancelled},
	types.TaskInProgress: {types.TaskCompleted, types.TaskFailed, types.TaskBlocked, types.TaskPaused},
	types.TaskBlocked:    {types.TaskInProgress, types.TaskCancelled},
	types.TaskPaused:     {types.TaskInProgress, types.TaskCancelled},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to types.TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves a task to a new status, stamping started_at exactly once
// on the first IN_PROGRESS entry.
func Transition(t *types.Task, to types.TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return apperrors.New(apperrors.CodeInvalidTransition,
			"task %s cannot transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	switch to {
	case types.TaskInProgress:
		if t.StartedAt == nil {
			now := nowUTC()
			t.StartedAt = &now
		}
	case types.TaskCompleted, types.TaskFailed:
		now := nowUTC()
		t.CompletedAt = &now
	}
	return nil
}

// Graph is an in-memory view of one session's task DAG, keyed by task ID.
// Dependencies live on the dependent task and point at predecessors.
type Graph struct {
	tasks map[uuid.UUID]*types.Task
	order []uuid.UUID // insertion order, for stable iteration
}

// NewGraph builds a graph from tasks and verifies acyclicity.
func NewGraph(tasks []*types.Task) (*Graph, error) {
	g := &Graph{tasks: make(map[uuid.UUID]*types.Task, len(tasks))}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Task returns the task with the given ID, nil if absent.
func (g *Graph) Task(id uuid.UUID) *types.Task { return g.tasks[id] }

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*types.Task {
	out := make([]*types.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// AddTask inserts a task, re-running cycle detection. The mutation is
// rolled back when it would introduce a cycle.
func (g *Graph) AddTask(t *types.Task) error {
	if _, exists := g.tasks[t.ID]; exists {
		return apperrors.New(apperrors.CodeValidation, "task %s already in graph", t.ID)
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	if err := g.checkAcyclic(); err != nil {
		delete(g.tasks, t.ID)
		g.order = g.order[:len(g.order)-1]
		return err
	}
	return nil
}

// AddDependency appends a dependency to the dependent task, re-running
// cycle detection and rolling back on violation.
func (g *Graph) AddDependency(dependent uuid.UUID, dep types.TaskDependency) error {
	t, ok := g.tasks[dependent]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "task %s not in graph", dependent)
	}
	if _, ok := g.tasks[dep.TargetTaskID]; !ok {
		return apperrors.New(apperrors.CodeNotFound, "dependency target %s not in graph", dep.TargetTaskID)
	}
	t.Dependencies = append(t.Dependencies, dep)
	if err := g.checkAcyclic(); err != nil {
		t.Dependencies = t.Dependencies[:len(t.Dependencies)-1]
		return err
	}
	return nil
}

// checkAcyclic runs a three-color DFS over dependency edges.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uuid.UUID]int, len(g.tasks))

	var visit func(id uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		color[id] = gray
		for _, dep := range g.tasks[id].Dependencies {
			next, ok := g.tasks[dep.TargetTaskID]
			if !ok {
				continue // dangling edges are tolerated, not cycles
			}
			switch color[next.ID] {
			case gray:
				return false
			case white:
				if !visit(next.ID) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}

	for _, id := range g.order {
		if color[id] == white {
			if !visit(id) {
				return apperrors.New(apperrors.CodeCycleDetected,
					"task dependency graph contains a cycle")
			}
		}
	}
	return nil
}

// DependencySatisfied evaluates one dependency against its kind.
func (g *Graph) DependencySatisfied(dep types.TaskDependency) bool {
	target, ok := g.tasks[dep.TargetTaskID]
	if !ok {
		return true
	}
	switch dep.Kind {
	case types.FinishToStart:
		return target.Status == types.TaskCompleted || target.Status == types.TaskSkipped
	case types.StartToStart:
		return target.StartedAt != nil || target.Status.Terminal()
	case types.FinishToFinish, types.StartToFinish:
		// Finish-gated kinds constrain when the dependent may finish, not
		// when it may start; they never block readiness.
		return true
	default:
		return false
	}
}

// IsReady reports whether every required dependency of t is satisfied.
// Readiness is monotonic: satisfying states are all terminal or sticky.
func (g *Graph) IsReady(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		if !dep.Required {
			continue
		}
		if !g.DependencySatisfied(dep) {
			return false
		}
	}
	return true
}

// CanFinish evaluates the finish-gated dependency kinds for a task about to
// complete.
func (g *Graph) CanFinish(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		if !dep.Required {
			continue
		}
		target, ok := g.tasks[dep.TargetTaskID]
		if !ok {
			continue
		}
		switch dep.Kind {
		case types.FinishToFinish:
			if target.Status != types.TaskCompleted && target.Status != types.TaskSkipped {
				return false
			}
		case types.StartToFinish:
			if target.StartedAt == nil && !target.Status.Terminal() {
				return false
			}
		}
	}
	return true
}

// ReadyTasks returns PENDING tasks whose required dependencies are
// satisfied, in insertion order.
func (g *Graph) ReadyTasks() []*types.Task {
	var out []*types.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == types.TaskPending && g.IsReady(t) {
			out = append(out, t)
		}
	}
	return out
}

// TopologicalOrder returns task IDs in dependency order (predecessors
// first). Ties resolve by insertion order.
func (g *Graph) TopologicalOrder() ([]uuid.UUID, error) {
	indegree := make(map[uuid.UUID]int, len(g.tasks))
	dependents := make(map[uuid.UUID][]uuid.UUID)
	for _, id := range g.order {
		indegree[id] += 0
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep.TargetTaskID]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep.TargetTaskID] = append(dependents[dep.TargetTaskID], id)
		}
	}

	var queue []uuid.UUID
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	out := make([]uuid.UUID, 0, len(g.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(out) != len(g.tasks) {
		return nil, apperrors.New(apperrors.CodeCycleDetected,
			"task dependency graph contains a cycle")
	}
	return out, nil
}

// CriticalPath returns the longest expected-hours path through the DAG and
// its total length. Equal-length alternatives resolve to the
// lexicographically smallest task IDs at each choice point, so the result
// is stable across runs.
func (g *Graph) CriticalPath() ([]uuid.UUID, float64, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, 0, err
	}

	// longest[id] = heaviest path ending at id, inclusive of id's weight.
	longest := make(map[uuid.UUID]float64, len(g.tasks))
	prev := make(map[uuid.UUID]uuid.UUID, len(g.tasks))
	for _, id := range order {
		t := g.tasks[id]
		best := 0.0
		var bestPred uuid.UUID
		havePred := false
		preds := make([]uuid.UUID, 0, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep.TargetTaskID]; ok {
				preds = append(preds, dep.TargetTaskID)
			}
		}
		sort.Slice(preds, func(i, j int) bool { return preds[i].String() < preds[j].String() })
		for _, p := range preds {
			if longest[p] > best {
				best = longest[p]
				bestPred = p
				havePred = true
			}
		}
		longest[id] = best + t.Estimate.ExpectedHours()
		if havePred {
			prev[id] = bestPred
		}
	}

	var tail uuid.UUID
	bestLen := -1.0
	ids := make([]uuid.UUID, 0, len(g.tasks))
	for id := range longest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if longest[id] > bestLen {
			bestLen = longest[id]
			tail = id
		}
	}
	if bestLen < 0 {
		return nil, 0, nil
	}

	var path []uuid.UUID
	for id := tail; ; {
		path = append([]uuid.UUID{id}, path...)
		p, ok := prev[id]
		if !ok {
			break
		}
		id = p
	}
	return path, bestLen, nil
}
