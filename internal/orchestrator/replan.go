package orchestrator

import (
	"context"
	"fmt"

	"github.com/colonyrt/runtime/internal/store"
)

// tickReplanning runs the planner against the failed task's context,
// resets every failed/blocked task in the goal to pending, decomposes
// the revised plan on top of the remaining tasks, archives the prior
// plan file, and decrements the replan budget.
func (o *Orchestrator) tickReplanning(ctx context.Context, state *ExecutionState) error {
	goal, err := o.store.GetGoal(ctx, state.GoalID)
	if err != nil {
		return err
	}

	failedTask, failedErr := o.failedTaskContext(ctx, state)
	extraContext := fmt.Sprintf("A task permanently failed: %q (%s). Revise the plan to make progress despite this.",
		failedTask, failedErr)

	out := o.plan(ctx, goal, extraContext)

	if err := o.resetFailedAndBlockedTasks(ctx, goal.ID); err != nil {
		return err
	}
	if _, err := o.graph.DecomposeGoal(ctx, goal.ID, plannerOutputToTaskSpecs(out)); err != nil {
		return err
	}
	if err := o.writePlanFile(state, out); err != nil {
		return err
	}

	state.ReplansRemaining--
	state.FailedTaskID = ""
	state.FailedError = ""
	state.plannerOutput = &out

	if _, err := o.events.Append(ctx, store.StreamEvent{
		Type: store.EventPlanUpdated, GoalID: goal.ID,
		Content: fmt.Sprintf("replan produced %d tasks, %d replans remaining", len(out.Tasks), state.ReplansRemaining),
	}); err != nil {
		return err
	}
	return o.transition(state, PhasePlanReview)
}

func (o *Orchestrator) failedTaskContext(ctx context.Context, state *ExecutionState) (title string, errMsg string) {
	if state.FailedTaskID == "" {
		return "", ""
	}
	t, err := o.store.GetTask(ctx, state.FailedTaskID)
	if err != nil {
		return state.FailedTaskID, state.FailedError
	}
	return t.Title, state.FailedError
}

// resetFailedAndBlockedTasks clears assignment/result bookkeeping and
// returns every failed/blocked task in goalID to pending.
func (o *Orchestrator) resetFailedAndBlockedTasks(ctx context.Context, goalID string) error {
	tasks, err := o.graph.GetTasksByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != store.TaskFailed && t.Status != store.TaskBlocked {
			continue
		}
		t.Status = store.TaskPending
		t.AssignedTo = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Result = nil
		if err := o.store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
