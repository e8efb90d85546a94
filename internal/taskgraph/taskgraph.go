// Package taskgraph is the Task Graph engine: DAG CRUD over
// goals and tasks, decomposition with cycle detection and alias
// resolution, dependency-driven readiness propagation, and the
// retry/fail/block state machine.
//
// A persistent, retryable goal/task graph generalized from a flat
// plan-step DAG, with the status-transition and propagation SQL
// delegated to internal/store.
package taskgraph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/store"
)

// Graph is the Task Graph component, backed by a Store.
type Graph struct {
	store *store.Store
}

func New(s *store.Store) *Graph {
	return &Graph{store: s}
}

// CreateGoal persists a new goal.
func (g *Graph) CreateGoal(ctx context.Context, goal store.Goal) (store.Goal, error) {
	return g.store.CreateGoal(ctx, goal)
}

// TaskSpec is one task description handed to DecomposeGoal. Dependencies
// and ParentRef are aliases: the ulid of an already-persisted
// task in the same goal, a title unique among the specs in this call, a
// decimal index into specs, "#<index>", or "task-<index+1>".
type TaskSpec struct {
	ID                 string // optional explicit id; generated if empty
	Title              string
	Description        string
	AgentRole           string
	Priority            int
	Dependencies        []string
	ParentRef           string
	RequestedStatus     store.TaskStatus // empty defers to dependency-driven computation
	EstimatedCostCents  int64
	MaxRetries          int
	TimeoutMs           int64
}

// DecomposeGoal resolves every spec's dependency/parent aliases to
// concrete task ids, runs cycle detection over the combined parent-of
// and depends-on relation (existing tasks plus the new batch), computes
// each new task's initial status, and persists the batch: all inside
// one transaction. The whole call is aborted on any cycle.
func (g *Graph) DecomposeGoal(ctx context.Context, goalID string, specs []TaskSpec) ([]store.Task, error) {
	if len(specs) == 0 {
		return nil, colonyerr.New("taskgraph.DecomposeGoal", colonyerr.InvalidInput, fmt.Errorf("no task specs"))
	}

	var inserted []store.Task
	err := g.store.RunTransaction(ctx, func(ctx context.Context) error {
		existing, err := g.store.GetTasksByGoal(ctx, goalID)
		if err != nil {
			return err
		}
		existingByID := make(map[string]store.Task, len(existing))
		existingTitleCount := make(map[string]int)
		existingTitleToID := make(map[string]string)
		for _, t := range existing {
			existingByID[t.ID] = t
			existingTitleCount[t.Title]++
			existingTitleToID[t.Title] = t.ID
		}

		// Pass 1: assign every spec a concrete id up front.
		ids := make([]string, len(specs))
		titleCount := make(map[string]int)
		titleToID := make(map[string]string)
		for i, spec := range specs {
			id := spec.ID
			if id == "" {
				id = uuid.NewString()
			}
			ids[i] = id
			titleCount[spec.Title]++
			titleToID[spec.Title] = id
		}

		resolve := func(alias string) (string, bool) {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				return "", false
			}
			if t, ok := existingByID[alias]; ok {
				return t.ID, true
			}
			for _, id := range ids {
				if id == alias {
					return id, true
				}
			}
			if strings.HasPrefix(alias, "#") {
				if idx, err := strconv.Atoi(alias[1:]); err == nil && idx >= 0 && idx < len(ids) {
					return ids[idx], true
				}
			}
			if strings.HasPrefix(alias, "task-") {
				if n, err := strconv.Atoi(alias[len("task-"):]); err == nil && n >= 1 && n <= len(ids) {
					return ids[n-1], true
				}
			}
			if idx, err := strconv.Atoi(alias); err == nil && idx >= 0 && idx < len(ids) {
				return ids[idx], true
			}
			// Title resolution: ambiguous (count != 1) disables it: the
			// alias is kept literal and will fail the orphan check below.
			if titleCount[alias] == 1 {
				return titleToID[alias], true
			}
			if existingTitleCount[alias] == 1 {
				return existingTitleToID[alias], true
			}
			return "", false
		}

		// Pass 2: resolve aliases to concrete ids.
		resolvedDeps := make([][]string, len(specs))
		resolvedParent := make([]string, len(specs))
		for i, spec := range specs {
			deps := make([]string, 0, len(spec.Dependencies))
			seen := make(map[string]bool)
			for _, alias := range spec.Dependencies {
				resolvedID, ok := resolve(alias)
				if !ok {
					return colonyerr.New("taskgraph.DecomposeGoal", colonyerr.InvalidInput,
						fmt.Errorf("task %q: unresolved dependency alias %q", spec.Title, alias))
				}
				if resolvedID == ids[i] {
					return colonyerr.New("taskgraph.DecomposeGoal", colonyerr.InvalidInput,
						fmt.Errorf("task %q depends on itself", spec.Title))
				}
				if !seen[resolvedID] {
					seen[resolvedID] = true
					deps = append(deps, resolvedID)
				}
			}
			resolvedDeps[i] = deps

			if spec.ParentRef != "" {
				parentID, ok := resolve(spec.ParentRef)
				if !ok {
					return colonyerr.New("taskgraph.DecomposeGoal", colonyerr.InvalidInput,
						fmt.Errorf("task %q: unresolved parent alias %q", spec.Title, spec.ParentRef))
				}
				if parentID != "" {
					if t, ok := existingByID[parentID]; ok && t.GoalID != goalID {
						return colonyerr.New("taskgraph.DecomposeGoal", colonyerr.InvalidInput,
							fmt.Errorf("task %q: parent belongs to a different goal", spec.Title))
					}
				}
				resolvedParent[i] = parentID
			}
		}

		// Cycle detection over the union of existing and new parent-of/depends-on edges.
		if err := detectCycles(existing, specs, ids, resolvedDeps, resolvedParent); err != nil {
			return err
		}

		// Compute initial status in topological order (existing tasks'
		// statuses are fixed; new tasks may depend on other new tasks).
		order, err := topoOrder(ids, resolvedDeps)
		if err != nil {
			return err
		}
		statusByID := make(map[string]store.TaskStatus, len(ids)+len(existing))
		for _, t := range existing {
			statusByID[t.ID] = t.Status
		}

		now := time.Now().UTC()
		tasksByID := make(map[string]store.Task, len(ids))
		for _, idx := range order {
			spec := specs[idx]
			id := ids[idx]

			status := spec.RequestedStatus
			switch status {
			case store.TaskAssigned, store.TaskRunning, store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
				// Request wins outright.
			default:
				allDepsCompleted := true
				for _, dep := range resolvedDeps[idx] {
					if statusByID[dep] != store.TaskCompleted {
						allDepsCompleted = false
						break
					}
				}
				if allDepsCompleted {
					status = store.TaskPending
				} else {
					status = store.TaskBlocked
				}
			}
			statusByID[id] = status

			maxRetries := spec.MaxRetries
			timeoutMs := spec.TimeoutMs
			if timeoutMs == 0 {
				timeoutMs = 5 * 60 * 1000
			}

			t := store.Task{
				ID:                 id,
				GoalID:             goalID,
				ParentID:           resolvedParent[idx],
				Title:              spec.Title,
				Description:        spec.Description,
				Status:             status,
				AgentRole:          spec.AgentRole,
				Priority:           spec.Priority,
				Dependencies:       resolvedDeps[idx],
				EstimatedCostCents: spec.EstimatedCostCents,
				MaxRetries:         maxRetries,
				TimeoutMs:          timeoutMs,
				CreatedAt:          now,
			}
			tasksByID[id] = t
		}

		for _, idx := range order {
			t := tasksByID[ids[idx]]
			if err := g.store.InsertTask(ctx, t); err != nil {
				return err
			}
			inserted = append(inserted, t)
		}

		if _, err := g.store.PromoteReadyTasks(ctx, goalID); err != nil {
			return err
		}
		return g.refreshGoal(ctx, goalID)
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetReadyTasks delegates to the Store's typed query.
func (g *Graph) GetReadyTasks(ctx context.Context, goalID string) ([]store.Task, error) {
	return g.store.GetReadyTasks(ctx, goalID)
}

// GetTasksByGoal delegates to the Store.
func (g *Graph) GetTasksByGoal(ctx context.Context, goalID string) ([]store.Task, error) {
	return g.store.GetTasksByGoal(ctx, goalID)
}

// AssignTask atomically moves a pending task to assigned, recording the
// worker address.
func (g *Graph) AssignTask(ctx context.Context, taskID, agentAddress string) error {
	return g.store.RunTransaction(ctx, func(ctx context.Context) error {
		t, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != store.TaskPending {
			return colonyerr.New("taskgraph.AssignTask", colonyerr.InvalidState,
				fmt.Errorf("task %s is %s, not pending", taskID, t.Status))
		}
		now := time.Now().UTC()
		t.Status = store.TaskAssigned
		t.AssignedTo = agentAddress
		t.StartedAt = &now
		return g.store.UpdateTask(ctx, t)
	})
}

// MarkRunning transitions an assigned task to running (a worker has
// picked up the assignment and begun execution).
func (g *Graph) MarkRunning(ctx context.Context, taskID string) error {
	return g.store.RunTransaction(ctx, func(ctx context.Context) error {
		t, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != store.TaskAssigned {
			return colonyerr.New("taskgraph.MarkRunning", colonyerr.InvalidState,
				fmt.Errorf("task %s is %s, not assigned", taskID, t.Status))
		}
		t.Status = store.TaskRunning
		return g.store.UpdateTask(ctx, t)
	})
}

// ResetForDispatch clears a task's worker assignment and returns it to
// pending: the sole mechanism by which the orchestrator recovers from a
// dead worker or requeues a stuck task.
func (g *Graph) ResetForDispatch(ctx context.Context, taskID string) error {
	return g.store.RunTransaction(ctx, func(ctx context.Context) error {
		t, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		t.Status = store.TaskPending
		t.AssignedTo = ""
		t.StartedAt = nil
		return g.store.UpdateTask(ctx, t)
	})
}

// CompleteTask writes a terminal success result, promotes newly-ready
// downstream tasks, and refreshes the owning goal's status, all in one
// transaction.
func (g *Graph) CompleteTask(ctx context.Context, taskID string, result store.TaskResult) error {
	if !result.Success {
		return colonyerr.New("taskgraph.CompleteTask", colonyerr.InvalidInput,
			fmt.Errorf("CompleteTask requires a successful result; use FailTask otherwise"))
	}
	return g.store.RunTransaction(ctx, func(ctx context.Context) error {
		t, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return colonyerr.New("taskgraph.CompleteTask", colonyerr.InvalidState,
				fmt.Errorf("task %s is already terminal (%s)", taskID, t.Status))
		}
		now := time.Now().UTC()
		t.Status = store.TaskCompleted
		t.Result = &result
		t.ActualCostCents = result.CostCents
		t.CompletedAt = &now
		if err := g.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		if _, err := g.store.PromoteReadyTasks(ctx, t.GoalID); err != nil {
			return err
		}
		return g.refreshGoal(ctx, t.GoalID)
	})
}

// FailTask implements the failure-handling state machine:
// retry in place while budget remains, or mark permanently failed and
// block every downstream task.
func (g *Graph) FailTask(ctx context.Context, taskID, errMsg string, shouldRetry bool) error {
	return g.store.RunTransaction(ctx, func(ctx context.Context) error {
		t, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return colonyerr.New("taskgraph.FailTask", colonyerr.InvalidState,
				fmt.Errorf("task %s is already terminal (%s)", taskID, t.Status))
		}

		if shouldRetry && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.AssignedTo = ""
			t.StartedAt = nil
			t.CompletedAt = nil
			t.Result = &store.TaskResult{Success: false, Output: errMsg}
			depsOK, err := depsCompleted(ctx, g.store, t)
			if err != nil {
				return err
			}
			if depsOK {
				t.Status = store.TaskPending
			} else {
				t.Status = store.TaskBlocked
			}
			return g.store.UpdateTask(ctx, t)
		}

		now := time.Now().UTC()
		t.Status = store.TaskFailed
		t.Result = &store.TaskResult{Success: false, Output: errMsg}
		t.CompletedAt = &now
		if err := g.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		if _, err := g.store.BlockDownstream(ctx, t.GoalID, t.ID); err != nil {
			return err
		}
		return g.refreshGoal(ctx, t.GoalID)
	})
}

func depsCompleted(ctx context.Context, s *store.Store, t store.Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, err := s.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep.Status != store.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GoalProgress summarizes a goal's task-status reduction.
type GoalProgress struct {
	GoalID    string
	Total     int
	Completed int
	Failed    int
	AllDone   bool
	AnyFailed bool
}

// GetGoalProgress reports the current task-status reduction for a goal.
func (g *Graph) GetGoalProgress(ctx context.Context, goalID string) (GoalProgress, error) {
	counts, err := g.store.GoalTaskCounts(ctx, goalID)
	if err != nil {
		return GoalProgress{}, err
	}
	return GoalProgress{
		GoalID:    goalID,
		Total:     counts.Total,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		AllDone:   counts.Total > 0 && counts.Completed == counts.Total,
		AnyFailed: counts.Failed > 0,
	}, nil
}

// refreshGoal applies the goal-refresh reduction: total=0
// keeps active; any failed task fails the goal; all-completed completes
// it; otherwise it stays active. Paused goals are never refreshed.
func (g *Graph) refreshGoal(ctx context.Context, goalID string) error {
	goal, err := g.store.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if goal.Status == store.GoalPaused {
		return nil
	}
	counts, err := g.store.GoalTaskCounts(ctx, goalID)
	if err != nil {
		return err
	}

	var next store.GoalStatus
	switch {
	case counts.Total == 0:
		next = store.GoalActive
	case counts.Failed > 0:
		next = store.GoalFailed
	case counts.Completed == counts.Total:
		next = store.GoalCompleted
	default:
		next = store.GoalActive
	}
	if next == goal.Status {
		return nil
	}
	return g.store.UpdateGoalStatus(ctx, goalID, next)
}

// PruneCompletedGoals deletes goals with status=completed whose
// completedAt predates cutoff (RFC3339), cascading to their tasks and events.
func (g *Graph) PruneCompletedGoals(ctx context.Context, cutoff string) (int, error) {
	return g.store.PruneCompletedGoals(ctx, cutoff)
}

// DetectCycles exposes cycle detection standalone for callers (e.g. a
// planner validation step) that want to check a provisional batch
// without persisting it.
func DetectCycles(existing []store.Task, specs []TaskSpec) error {
	ids := make([]string, len(specs))
	for i, spec := range specs {
		if spec.ID != "" {
			ids[i] = spec.ID
		} else {
			ids[i] = fmt.Sprintf("#%d", i)
		}
	}
	deps := make([][]string, len(specs))
	parents := make([]string, len(specs))
	for i, spec := range specs {
		deps[i] = spec.Dependencies
		parents[i] = spec.ParentRef
	}
	return detectCycles(existing, specs, ids, deps, parents)
}

// detectCycles runs DFS cycle detection over the union of existing
// persisted edges (parent_id, dependencies) and the new batch's resolved
// edges.
func detectCycles(existing []store.Task, specs []TaskSpec, ids []string, deps [][]string, parents []string) error {
	adj := make(map[string][]string)
	for _, t := range existing {
		for _, d := range t.Dependencies {
			adj[t.ID] = append(adj[t.ID], d)
		}
		if t.ParentID != "" {
			adj[t.ID] = append(adj[t.ID], t.ParentID)
		}
	}
	for i := range specs {
		id := ids[i]
		adj[id] = append(adj[id], deps[i]...)
		if parents[i] != "" {
			adj[id] = append(adj[id], parents[i])
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string

	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				return colonyerr.New("taskgraph.detectCycles", colonyerr.CycleDetected,
					fmt.Errorf("cycle: %s", strings.Join(append(stack, next), " -> ")))
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}

	nodes := make([]string, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes) // deterministic traversal order
	for _, node := range nodes {
		if color[node] == white {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder returns an index ordering of the new batch such that every
// task appears after all of its in-batch dependencies. Cross-batch
// dependencies on already-persisted tasks impose no ordering constraint
// here since those statuses are already fixed.
func topoOrder(ids []string, deps [][]string) ([]int, error) {
	idxByID := make(map[string]int, len(ids))
	for i, id := range ids {
		idxByID[id] = i
	}
	indegree := make([]int, len(ids))
	dependents := make(map[int][]int)
	for i, ds := range deps {
		for _, d := range ds {
			if depIdx, ok := idxByID[d]; ok {
				indegree[i]++
				dependents[depIdx] = append(dependents[depIdx], i)
			}
		}
	}

	var queue []int
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	var order []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		var freed []int
		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Ints(freed)
		queue = append(queue, freed...)
		sort.Ints(queue)
	}
	if len(order) != len(ids) {
		return nil, colonyerr.New("taskgraph.topoOrder", colonyerr.CycleDetected, fmt.Errorf("in-batch dependency cycle"))
	}
	return order, nil
}
