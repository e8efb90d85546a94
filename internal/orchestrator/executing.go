package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colonyrt/runtime/internal/bus"
	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/funding"
	"github.com/colonyrt/runtime/internal/messaging"
	"github.com/colonyrt/runtime/internal/safety"
	"github.com/colonyrt/runtime/internal/store"
)

var resultLeakDetector = safety.NewLeakDetector()

// taskAssignmentEnvelope is the wire shape for a task_assignment message.
type taskAssignmentEnvelope struct {
	TaskID       string   `json:"taskId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	AgentRole    string   `json:"agentRole"`
	Dependencies []string `json:"dependencies"`
	TimeoutMs    int64    `json:"timeoutMs"`
}

// taskResultEnvelope is the wire shape for a task_result message.
type taskResultEnvelope struct {
	TaskID    string   `json:"taskId"`
	Success   bool     `json:"success"`
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts"`
	CostCents int64    `json:"costCents"`
	Duration  int64    `json:"duration"`
	Error     string   `json:"error,omitempty"`
}

// tickExecuting runs the four-step executing tick in order: liveness recovery, dispatch, result collection,
// progress check.
func (o *Orchestrator) tickExecuting(ctx context.Context, state *ExecutionState) error {
	if err := o.livenessRecovery(ctx, state.GoalID); err != nil {
		return err
	}

	dispatched, err := o.dispatchReadyTasks(ctx, state.GoalID)
	if err != nil {
		return err
	}

	if err := o.collectResults(ctx, state.GoalID); err != nil {
		return err
	}
	_ = dispatched

	progress, err := o.graph.GetGoalProgress(ctx, state.GoalID)
	if err != nil {
		return err
	}
	switch {
	case progress.AllDone:
		return o.transition(state, PhaseComplete)
	case progress.AnyFailed:
		state.FailedTaskID = o.lastFailedTaskID
		state.FailedError = o.lastFailedError
		if state.ReplansRemaining > 0 {
			return o.transition(state, PhaseReplanning)
		}
		return o.transition(state, PhaseFailed)
	default:
		return o.transition(state, PhaseExecuting)
	}
}

// livenessRecovery resets tasks whose assigned worker has died back to
// pending: the sole crash-recovery mechanism.
func (o *Orchestrator) livenessRecovery(ctx context.Context, goalID string) error {
	if o.isWorkerAlive == nil {
		return nil
	}
	tasks, err := o.graph.GetTasksByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != store.TaskAssigned || t.AssignedTo == "" {
			continue
		}
		if !o.isWorkerAlive(ctx, t.AssignedTo) {
			if err := o.graph.ResetForDispatch(ctx, t.ID); err != nil {
				return err
			}
			o.directory.MarkIdle(t.AssignedTo)
		}
	}
	return nil
}

// dispatchReadyTasks matches and assigns every ready task in goalID,
// funding and messaging non-local agents.
func (o *Orchestrator) dispatchReadyTasks(ctx context.Context, goalID string) (int, error) {
	ready, err := o.graph.GetReadyTasks(ctx, goalID)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, t := range ready {
		address, spawned, err := o.matchTaskToAgent(ctx, t)
		if err != nil {
			return dispatched, err
		}
		if address == "" {
			continue // stays pending for the next tick; not a failure
		}

		if err := o.graph.AssignTask(ctx, t.ID, address); err != nil {
			return dispatched, err
		}
		o.directory.MarkBusy(address)

		if !spawned && !o.directory.IsLocal(address) {
			if err := o.fundAndAssign(ctx, t, address); err != nil {
				return dispatched, err
			}
		}

		if _, err := o.events.Append(ctx, store.StreamEvent{
			Type: store.EventTaskAssigned, GoalID: goalID, TaskID: t.ID, AgentAddress: address,
			Content: fmt.Sprintf("assigned to %s", address),
		}); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// fundingTransferKey is the key/value key under which the transfer id
// from a task's FundAgentForTask call is stashed, so it can later be
// recalled against once the task's actual cost is known.
func fundingTransferKey(taskID string) string {
	return "funding.transfer." + taskID
}

// fundAndAssign transfers compute credit then sends the task_assignment
// envelope.
func (o *Orchestrator) fundAndAssign(ctx context.Context, t store.Task, address string) error {
	if o.funding != nil {
		transferID, err := funding.FundAgentForTask(ctx, o.funding, address, t.EstimatedCostCents, o.cfg.DefaultTaskFundingCents)
		if err != nil {
			return err
		}
		if transferID != "" {
			if err := o.store.PutKV(ctx, fundingTransferKey(t.ID), transferID); err != nil {
				return err
			}
		}
	}
	if o.messenger == nil {
		return nil
	}
	payload := taskAssignmentEnvelope{
		TaskID: t.ID, Title: t.Title, Description: t.Description,
		AgentRole: t.AgentRole, Dependencies: t.Dependencies, TimeoutMs: t.TimeoutMs,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return colonyerr.New("orchestrator.fundAndAssign", colonyerr.InvalidState, err)
	}
	return o.messenger.Send(ctx, messaging.Envelope{
		Type: messaging.TaskAssignment, From: o.selfAddress, To: address,
		GoalID: t.GoalID, TaskID: t.ID, Content: string(b), Priority: messaging.PriorityNormal,
	})
}

// matchTaskToAgent implements the five-step priority fallback. spawned
// reports true when a fresh worker was just spawned (funding/messaging
// were already handled at spawn time).
func (o *Orchestrator) matchTaskToAgent(ctx context.Context, t store.Task) (address string, spawned bool, err error) {
	if addr := o.directory.IdleWithRole(t.AgentRole); addr != "" {
		return addr, false, nil
	}
	if addr := o.directory.BestForTask(); addr != "" {
		return addr, false, nil
	}
	if o.spawnAgent != nil {
		rec, spawnErr := o.spawnAgent(ctx, t)
		if spawnErr == nil && rec.Address != "" {
			o.directory.Register(rec)
			if _, err := o.events.Append(ctx, store.StreamEvent{
				Type: store.EventAgentSpawned, GoalID: t.GoalID, TaskID: t.ID, AgentAddress: rec.Address,
				Content: fmt.Sprintf("spawned for role %q", t.AgentRole),
			}); err != nil {
				return "", false, err
			}
			return rec.Address, true, nil
		}
	}
	if addr := o.directory.BusyFromChildTable(); o.spawnAgent == nil && addr != "" {
		return addr, false, nil
	}
	return o.selfAddress, false, nil
}

// collectResults drains the inbox and applies each task_result envelope.
// A non-JSON content body is not an error: it is taken verbatim as a
// successful result with zero reported cost.
func (o *Orchestrator) collectResults(ctx context.Context, goalID string) error {
	handlers := map[messaging.EnvelopeType]messaging.Handler{
		messaging.TaskResult: func(ctx context.Context, env messaging.Envelope) error {
			payload := taskResultEnvelope{TaskID: env.TaskID}
			if err := json.Unmarshal([]byte(env.Content), &payload); err != nil {
				payload = taskResultEnvelope{TaskID: env.TaskID, Success: true, Output: env.Content}
			}
			return o.applyTaskResult(ctx, goalID, payload, env.From)
		},
	}
	_, err := o.messenger.ProcessInbox(ctx, 100, handlers)
	return err
}

// recallTaskFunding recalls the escrowed transfer for taskID, reporting
// spentCents as what the worker actually used. A no-op when funding is
// disabled or no transfer was ever recorded for this task (self-assigned
// or local tasks never go through fundAndAssign).
func (o *Orchestrator) recallTaskFunding(ctx context.Context, taskID string, spentCents int64) error {
	if o.funding == nil {
		return nil
	}
	key := fundingTransferKey(taskID)
	transferID, ok, err := o.store.GetKV(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := o.funding.Recall(ctx, transferID, spentCents); err != nil {
		return err
	}
	return o.store.DeleteKV(ctx, key)
}

func (o *Orchestrator) applyTaskResult(ctx context.Context, goalID string, payload taskResultEnvelope, from string) error {
	o.directory.MarkIdle(from)

	if payload.Success {
		if leaks := resultLeakDetector.Scan(payload.Output); len(leaks) > 0 {
			detail := make([]string, len(leaks))
			for i, l := range leaks {
				detail[i] = l.Pattern + ": " + l.Sample
			}
			if _, err := o.events.Append(ctx, store.StreamEvent{
				Type: store.EventError, GoalID: goalID, TaskID: payload.TaskID,
				Content: "possible secret leak in task output: " + strings.Join(detail, "; "),
			}); err != nil {
				return err
			}
		}

		result := store.TaskResult{
			Success: true, Output: payload.Output, Artifacts: payload.Artifacts,
			CostCents: payload.CostCents, Duration: payload.Duration,
		}
		if err := o.graph.CompleteTask(ctx, payload.TaskID, result); err != nil {
			return o.handleFailure(ctx, payload.TaskID, err.Error(), payload.CostCents)
		}
		if err := o.recallTaskFunding(ctx, payload.TaskID, payload.CostCents); err != nil {
			return err
		}
		_, err := o.events.Append(ctx, store.StreamEvent{
			Type: store.EventTaskCompleted, GoalID: goalID, TaskID: payload.TaskID,
			Content: payload.Output,
		})
		o.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: payload.TaskID, NewStatus: string(store.TaskCompleted)})
		return err
	}
	return o.handleFailure(ctx, payload.TaskID, payload.Error, payload.CostCents)
}

// handleFailure fails the task with retry, re-reads it, and if it is now
// permanently failed, recalls any unused escrowed funding (spentCents is
// what the worker reported spending before failing), re-activates the
// goal, and moves to replanning or failed depending on remaining budget.
func (o *Orchestrator) handleFailure(ctx context.Context, taskID, errMsg string, spentCents int64) error {
	if err := o.graph.FailTask(ctx, taskID, errMsg, true); err != nil {
		return err
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != store.TaskFailed {
		if o.metrics != nil {
			o.metrics.TaskRetries.Add(ctx, 1)
		}
		return nil // retried, stays pending/blocked: not yet permanent
	}

	o.lastFailedTaskID = t.ID
	o.lastFailedError = errMsg
	if o.metrics != nil {
		o.metrics.TaskFailures.Add(ctx, 1)
	}

	if err := o.recallTaskFunding(ctx, t.ID, spentCents); err != nil {
		return err
	}

	_, err = o.events.Append(ctx, store.StreamEvent{
		Type: store.EventTaskFailed, GoalID: t.GoalID, TaskID: t.ID, Content: errMsg,
	})
	if err != nil {
		return err
	}
	o.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: t.ID, NewStatus: string(store.TaskFailed)})
	return o.store.UpdateGoalStatus(ctx, t.GoalID, store.GoalActive)
}
