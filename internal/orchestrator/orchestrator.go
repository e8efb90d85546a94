// Package orchestrator is the Orchestrator component: a
// phase-based state machine driving one goal's execution at a time,
// from classification through plan review, dispatch, result collection,
// and failure-triggered replanning. Exactly one phase advances per
// Tick; the outer agent loop calls Tick repeatedly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/colonyrt/runtime/internal/bus"
	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/funding"
	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/messaging"
	rtotel "github.com/colonyrt/runtime/internal/otel"
	"github.com/colonyrt/runtime/internal/safety"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/taskgraph"
	"github.com/colonyrt/runtime/internal/worker"
)

// Phase is the single Orchestrator state variable.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseClassifying  Phase = "classifying"
	PhasePlanning     Phase = "planning"
	PhasePlanReview   Phase = "plan_review"
	PhaseExecuting    Phase = "executing"
	PhaseReplanning   Phase = "replanning"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// transitions enumerates every legal (from, to) pair.
// Self-loops for plan_review and executing model "stays in phase".
var transitions = map[Phase]map[Phase]bool{
	PhaseIdle:        {PhaseClassifying: true},
	PhaseClassifying: {PhaseExecuting: true, PhasePlanning: true},
	PhasePlanning:    {PhasePlanReview: true},
	PhasePlanReview:  {PhaseExecuting: true, PhasePlanning: true, PhasePlanReview: true},
	PhaseExecuting:   {PhaseExecuting: true, PhaseComplete: true, PhaseReplanning: true, PhaseFailed: true},
	PhaseReplanning:  {PhasePlanReview: true},
	PhaseComplete:    {PhaseIdle: true},
	PhaseFailed:      {PhaseIdle: true},
}

// ExecutionState is the Orchestrator's entire persisted state, stored as
// JSON under the "orchestrator.state" key/value key at the end of every
// tick so an external restart resumes cleanly.
type ExecutionState struct {
	Phase           Phase     `json:"phase"`
	GoalID          string    `json:"goalId,omitempty"`
	PlanID          string    `json:"planId,omitempty"`
	PlanVersion     int       `json:"planVersion"`
	PlanFilePath    string    `json:"planFilePath,omitempty"`
	SpawnedAgentIDs []string  `json:"spawnedAgentIds,omitempty"`
	ReplansRemaining int      `json:"replansRemaining"`
	PhaseEnteredAt  time.Time `json:"phaseEnteredAt"`
	FailedTaskID    string    `json:"failedTaskId,omitempty"`
	FailedError     string    `json:"failedError,omitempty"`

	// plannerOutput caches the most recent plan for same-process reuse
	// across ticks. It never round-trips through key/value: a tick that
	// resumes from a cold load re-derives it from the plan file on disk.
	plannerOutput *PlannerOutput `json:"-"`
}

const executionStateKey = "orchestrator.state"

// Config holds the tunables for approval mode, cost thresholds, replan
// budget, and default per-task funding.
type Config struct {
	ApprovalMode            ApprovalMode
	AutoBudgetThresholdCents int64
	MaxReplans              int
	DefaultTaskFundingCents int64
	Workspace               string
}

// ApprovalMode selects how plan_review resolves.
type ApprovalMode string

const (
	ApprovalAuto       ApprovalMode = "auto"
	ApprovalSupervised ApprovalMode = "supervised"
	ApprovalConsensus  ApprovalMode = "consensus"
)

// IsWorkerAlive is the optional liveness predicate.
// A nil value is treated as "always alive": no recovery is attempted.
type IsWorkerAlive func(ctx context.Context, address string) bool

// SpawnAgent is the optional worker-provisioning hook. A nil value disables spawning, falling through to reassignment.
type SpawnAgent func(ctx context.Context, task store.Task) (AgentRecord, error)

// Orchestrator is the phase state machine. SelfAddress is the parent
// identity used for the last-resort self-assign fallback.
type Orchestrator struct {
	store     *store.Store
	graph     *taskgraph.Graph
	events    *eventstream.Stream
	messenger *messaging.Messenger
	infer     inference.Client
	executor  worker.Executor
	funding   funding.Protocol
	directory *AgentDirectory

	cfg         Config
	selfAddress string

	isWorkerAlive IsWorkerAlive
	spawnAgent    SpawnAgent

	tracer  trace.Tracer
	metrics *rtotel.Metrics
	bus     *bus.Bus

	// lastFailedTaskID/lastFailedError record the most recent permanent
	// task failure observed during collectResults, for tickExecuting's
	// progress check to fold into ExecutionState before replanning.
	lastFailedTaskID string
	lastFailedError  string
}

func New(
	s *store.Store,
	graph *taskgraph.Graph,
	events *eventstream.Stream,
	messenger *messaging.Messenger,
	infer inference.Client,
	executor worker.Executor,
	fundingProtocol funding.Protocol,
	directory *AgentDirectory,
	selfAddress string,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store: s, graph: graph, events: events, messenger: messenger,
		infer: infer, executor: executor, funding: fundingProtocol,
		directory: directory, selfAddress: selfAddress, cfg: cfg,
	}
}

func (o *Orchestrator) SetIsWorkerAlive(fn IsWorkerAlive) { o.isWorkerAlive = fn }
func (o *Orchestrator) SetSpawnAgent(fn SpawnAgent)       { o.spawnAgent = fn }

// SetTelemetry wires an OpenTelemetry tracer/meter pair into the
// Orchestrator; both are optional and default to no instrumentation.
func (o *Orchestrator) SetTelemetry(tracer trace.Tracer, metrics *rtotel.Metrics) {
	o.tracer = tracer
	o.metrics = metrics
}

// SetBus attaches an in-process publish/subscribe bus for components
// within this binary (e.g. the Telegram channel) that want live task
// state notifications without polling the persisted event stream. Nil
// by default: publishing is skipped entirely when unset.
func (o *Orchestrator) SetBus(b *bus.Bus) {
	o.bus = b
}

func (o *Orchestrator) publish(topic string, payload interface{}) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

// LoadState reads ExecutionState from the key/value table, defaulting to
// an idle state with no goal if absent.
func (o *Orchestrator) LoadState(ctx context.Context) (ExecutionState, error) {
	raw, ok, err := o.store.GetKV(ctx, executionStateKey)
	if err != nil {
		return ExecutionState{}, err
	}
	if !ok {
		return ExecutionState{Phase: PhaseIdle, ReplansRemaining: o.cfg.MaxReplans, PhaseEnteredAt: time.Now().UTC()}, nil
	}
	var state ExecutionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return ExecutionState{}, colonyerr.New("orchestrator.LoadState", colonyerr.InvalidState, err)
	}
	return state, nil
}

func (o *Orchestrator) saveState(ctx context.Context, state ExecutionState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return colonyerr.New("orchestrator.saveState", colonyerr.InvalidState, err)
	}
	return o.store.PutKV(ctx, executionStateKey, string(b))
}

func (o *Orchestrator) transition(state *ExecutionState, next Phase) error {
	allowed, ok := transitions[state.Phase]
	if !ok || !allowed[next] {
		return colonyerr.New("orchestrator.transition", colonyerr.InvalidState,
			fmt.Errorf("illegal transition %s -> %s", state.Phase, next))
	}
	if state.Phase != next {
		state.PhaseEnteredAt = time.Now().UTC()
	}
	if o.metrics != nil && state.Phase != next {
		o.metrics.PhaseTransitions.Add(context.Background(),
			1, metric.WithAttributes(
				rtotel.AttrPhase.String(string(state.Phase)+"->"+string(next)),
			))
	}
	state.Phase = next
	return nil
}

// Tick advances the state machine by at most one phase and persists the
// resulting state before returning.
func (o *Orchestrator) Tick(ctx context.Context) (ExecutionState, error) {
	start := time.Now()
	if o.tracer != nil {
		var span trace.Span
		ctx, span = rtotel.StartSpan(ctx, o.tracer, "orchestrator.tick")
		defer span.End()
	}
	defer func() {
		if o.metrics != nil {
			o.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	state, err := o.LoadState(ctx)
	if err != nil {
		return ExecutionState{}, err
	}

	if err := o.tickPhase(ctx, &state); err != nil {
		// A tick never crashes the outer loop: an uncaught failure marks
		// the current goal failed and transitions to failed.
		if state.GoalID != "" {
			_ = o.store.UpdateGoalStatus(ctx, state.GoalID, store.GoalFailed)
		}
		state.FailedError = err.Error()
		state.Phase = PhaseFailed
		state.PhaseEnteredAt = time.Now().UTC()
	}

	if saveErr := o.saveState(ctx, state); saveErr != nil {
		return state, saveErr
	}
	return state, nil
}

func (o *Orchestrator) tickPhase(ctx context.Context, state *ExecutionState) error {
	switch state.Phase {
	case PhaseIdle:
		return o.tickIdle(ctx, state)
	case PhaseClassifying:
		return o.tickClassifying(ctx, state)
	case PhasePlanning:
		return o.tickPlanning(ctx, state)
	case PhasePlanReview:
		return o.tickPlanReview(ctx, state)
	case PhaseExecuting:
		return o.tickExecuting(ctx, state)
	case PhaseReplanning:
		return o.tickReplanning(ctx, state)
	case PhaseComplete:
		return o.tickComplete(ctx, state)
	case PhaseFailed:
		return o.tickFailed(ctx, state)
	default:
		return colonyerr.New("orchestrator.tickPhase", colonyerr.InvalidState, fmt.Errorf("unknown phase %q", state.Phase))
	}
}

var goalSanitizer = safety.NewSanitizer()

func (o *Orchestrator) tickIdle(ctx context.Context, state *ExecutionState) error {
	goals, err := o.store.GetActiveGoals(ctx)
	if err != nil {
		return err
	}
	if len(goals) == 0 {
		return nil
	}
	goal := goals[0]

	if check := goalSanitizer.Check(goal.Title + " " + goal.Description); check.Action == safety.ActionBlock {
		if _, err := o.events.Append(ctx, store.StreamEvent{
			Type: store.EventError, GoalID: goal.ID,
			Content: "goal rejected: " + check.Reason,
		}); err != nil {
			return err
		}
		return o.store.UpdateGoalStatus(ctx, goal.ID, store.GoalFailed)
	}

	state.GoalID = goal.ID
	state.PlanVersion = 0
	state.ReplansRemaining = o.cfg.MaxReplans
	state.FailedTaskID = ""
	state.FailedError = ""
	return o.transition(state, PhaseClassifying)
}

func (o *Orchestrator) tickComplete(ctx context.Context, state *ExecutionState) error {
	if err := o.recallUnusedFunding(ctx, state.GoalID); err != nil {
		return err
	}
	state.GoalID = ""
	state.SpawnedAgentIDs = nil
	return o.transition(state, PhaseIdle)
}

func (o *Orchestrator) tickFailed(ctx context.Context, state *ExecutionState) error {
	state.GoalID = ""
	state.SpawnedAgentIDs = nil
	return o.transition(state, PhaseIdle)
}

// recallUnusedFunding is a best-effort sweep over every task in goalID.
// Funding is already recalled per-task in applyTaskResult/handleFailure
// as each task_result envelope is processed; this catches any stragglers
// that path missed (e.g. a task whose worker never replied) using the
// task's last-known actual cost, defaulting to a full refund of whatever
// remains escrowed when no cost was ever recorded.
func (o *Orchestrator) recallUnusedFunding(ctx context.Context, goalID string) error {
	if o.funding == nil {
		return nil
	}
	tasks, err := o.graph.GetTasksByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := o.recallTaskFunding(ctx, t.ID, t.ActualCostCents); err != nil {
			return err
		}
	}
	return nil
}
