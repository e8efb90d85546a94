package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/colonyrt/runtime/internal/channels"
	"github.com/colonyrt/runtime/internal/messaging"
	"github.com/colonyrt/runtime/internal/orchestrator"
	"github.com/colonyrt/runtime/internal/shared"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/worker"
)

// hybridTransport routes outbound envelopes by address: telegram:*
// addresses go to the telegram binding (if configured), the self
// address loops back into this process's own inbox via Deliver (the
// path a locally spawned in-process worker's task_result takes to
// reach collectResults without a real network hop), and everything
// else goes out over the websocket channel to an actual remote
// worker connection.
type hybridTransport struct {
	selfAddress string
	messenger   *messaging.Messenger
	telegram    messaging.Transport
	websocket   *channels.WebSocketChannel
}

func (t *hybridTransport) Send(ctx context.Context, to string, payload []byte) error {
	switch {
	case t.telegram != nil && strings.HasPrefix(to, "telegram:"):
		return t.telegram.Send(ctx, to, payload)
	case to == t.selfAddress || to == "":
		return t.messenger.Deliver(ctx, to, payload)
	default:
		return t.websocket.Send(ctx, to, payload)
	}
}

// taskResultWire mirrors the orchestrator's unexported task_result wire
// shape so the bridge can report a local worker's result
// through the same envelope path a remote worker would use.
type taskResultWire struct {
	TaskID    string   `json:"taskId"`
	Success   bool     `json:"success"`
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts,omitempty"`
	CostCents int64    `json:"costCents"`
	Duration  int64    `json:"duration"`
	Error     string   `json:"error,omitempty"`
}

// newSpawnAgent builds the Orchestrator's SpawnAgent hook: spawn the task on the local Executor, register the resulting
// address as a local agent, and report its eventual result back through
// Messaging once it finishes.
func newSpawnAgent(executor worker.Executor, messenger *messaging.Messenger, selfAddress string, logger *slog.Logger) orchestrator.SpawnAgent {
	return func(ctx context.Context, task store.Task) (orchestrator.AgentRecord, error) {
		traceCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		traceCtx = shared.WithDelegationHop(traceCtx, shared.DelegationHop(ctx)+1)

		address, err := executor.Spawn(traceCtx, worker.Assignment{
			TaskID: task.ID, GoalID: task.GoalID, Title: task.Title,
			Description: task.Description, AgentRole: task.AgentRole, TimeoutMs: task.TimeoutMs,
		})
		if err != nil {
			return orchestrator.AgentRecord{}, err
		}
		logger.Info("spawned local worker", "task_id", task.ID, "address", address, "trace_id", shared.TraceID(traceCtx))
		go reportWorkerResult(executor, messenger, address, task, selfAddress, logger, shared.TraceID(traceCtx))
		return orchestrator.AgentRecord{Address: address, Role: task.AgentRole, Local: true}, nil
	}
}

// reportWorkerResult awaits a locally spawned worker and sends its
// result as a task_result envelope, detached from the tick that spawned
// it since Await blocks until completion or timeout.
func reportWorkerResult(executor worker.Executor, messenger *messaging.Messenger, address string, task store.Task, selfAddress string, logger *slog.Logger, traceID string) {
	ctx := shared.WithTraceID(context.Background(), traceID)
	result, err := executor.Await(ctx, address)
	if err != nil {
		result = worker.Result{Success: false, Output: shared.Redact(err.Error())}
	}

	wire := taskResultWire{
		TaskID: task.ID, Success: result.Success, Output: result.Output,
		Artifacts: result.Artifacts, CostCents: result.CostCents,
		Duration: result.Duration.Milliseconds(),
	}
	body, err := json.Marshal(wire)
	if err != nil {
		logger.Error("worker bridge: failed to encode task result", "task_id", task.ID, "trace_id", traceID, "error", err)
		return
	}

	env := messaging.Envelope{
		Type: messaging.TaskResult, From: address, To: selfAddress,
		GoalID: task.GoalID, TaskID: task.ID, Content: string(body), Priority: messaging.PriorityNormal,
	}
	if err := messenger.Send(ctx, env); err != nil {
		logger.Error("worker bridge: failed to report task result", "task_id", task.ID, "trace_id", traceID, "error", err)
	}
}
