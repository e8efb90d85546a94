// Package worker defines the WorkerExecutor boundary the Orchestrator
// dispatches task assignments through, plus three concrete bindings: an
// in-process function table, a Docker sandbox, and a wazero WASM host.
// WorkerExecutor is an excluded external collaborator: this
// package owns the address/spawn contract, not what a worker actually
// computes.
//
// Ephemeral container exec and wazero module invocation (with
// memory/timeout limits) sit behind one interface, so "spawn returns an
// address" is the only thing the
// Orchestrator needs to know.
package worker

import (
	"context"
	"time"
)

// Assignment is what the Orchestrator hands a worker: enough of a task
// to execute it without a live Store handle.
type Assignment struct {
	TaskID      string
	GoalID      string
	Title       string
	Description string
	AgentRole   string
	TimeoutMs   int64
}

// Result is what a worker returns once an assignment finishes or is
// aborted.
type Result struct {
	Success   bool
	Output    string
	Artifacts []string
	CostCents int64
	Duration  time.Duration
}

// Executor spawns work and reports back an address the Messaging
// transport can route to. Whether that address is a local goroutine, a
// container, or a remote sandbox is the implementation's concern alone.
type Executor interface {
	// Spawn starts executing assignment and returns an address identifying
	// the worker, before the work necessarily completes.
	Spawn(ctx context.Context, assignment Assignment) (address string, err error)
	// Await blocks until the worker at address finishes or ctx is done.
	Await(ctx context.Context, address string) (Result, error)
	// Abort cancels a running worker, per  "Worker aborted".
	Abort(ctx context.Context, address string) error
}
