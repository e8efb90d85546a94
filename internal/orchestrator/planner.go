package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/taskgraph"
)

// PlannerTask is one task in a PlannerOutput's tasks array. Dependencies
// are indices into the same tasks array.
type PlannerTask struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	AgentRole          string `json:"agentRole"`
	Dependencies       []int  `json:"dependencies"`
	EstimatedCostCents int64  `json:"estimatedCostCents"`
	MaxRetries         int    `json:"maxRetries"`
}

// PlannerOutput is the planner inference call's required shape.
type PlannerOutput struct {
	Analysis                string        `json:"analysis"`
	Strategy                string        `json:"strategy"`
	CustomRoles             []string      `json:"customRoles"`
	Tasks                   []PlannerTask `json:"tasks"`
	Risks                   []string      `json:"risks"`
	EstimatedTotalCostCents int64         `json:"estimatedTotalCostCents"`
	EstimatedTimeMinutes    int           `json:"estimatedTimeMinutes"`
}

const plannerSchemaJSON = `{
  "type": "object",
  "required": ["analysis", "strategy", "tasks"],
  "properties": {
    "analysis": {"type": "string", "minLength": 1},
    "strategy": {"type": "string", "minLength": 1},
    "customRoles": {"type": "array", "items": {"type": "string"}},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "description", "agentRole"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "agentRole": {"type": "string", "minLength": 1},
          "dependencies": {"type": "array", "items": {"type": "integer"}},
          "estimatedCostCents": {"type": "integer", "minimum": 0},
          "maxRetries": {"type": "integer", "minimum": 0}
        }
      }
    },
    "risks": {"type": "array", "items": {"type": "string"}},
    "estimatedTotalCostCents": {"type": "integer", "minimum": 0},
    "estimatedTimeMinutes": {"type": "integer", "minimum": 0}
  }
}`

var plannerSchema *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(plannerSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("orchestrator: compile planner schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("planner-output.json", doc); err != nil {
		panic(fmt.Sprintf("orchestrator: add planner schema resource: %v", err))
	}
	plannerSchema, err = c.Compile("planner-output.json")
	if err != nil {
		panic(fmt.Sprintf("orchestrator: compile planner schema: %v", err))
	}
}

// singleTaskFallback is substituted whenever a planner call yields a
// validation failure or an empty tasks array, so progress is always
// possible.
func singleTaskFallback(goal store.Goal) PlannerOutput {
	return PlannerOutput{
		Analysis: "planner output unavailable or invalid; falling back to a single generalist task",
		Strategy: "direct",
		Tasks: []PlannerTask{{
			Title:       goal.Title,
			Description: goal.Description,
			AgentRole:   "generalist",
		}},
	}
}

// plan asks the inference client for a PlannerOutput, validates it
// against the JSON Schema and the semantic rules (duplicate custom role
// names, in-range/non-self/acyclic dependency indices), and substitutes
// singleTaskFallback on any failure or empty tasks array.
func (o *Orchestrator) plan(ctx context.Context, goal store.Goal, extraContext string) PlannerOutput {
	if o.infer == nil {
		return singleTaskFallback(goal)
	}
	out, err := o.planViaInference(ctx, goal, extraContext)
	if err != nil {
		return singleTaskFallback(goal)
	}
	if err := validatePlannerOutput(out); err != nil {
		return singleTaskFallback(goal)
	}
	if len(out.Tasks) == 0 {
		return singleTaskFallback(goal)
	}
	return out
}

func (o *Orchestrator) planViaInference(ctx context.Context, goal store.Goal, extraContext string) (PlannerOutput, error) {
	prompt := "Goal: " + goal.Title + "\n" + goal.Description
	if extraContext != "" {
		prompt += "\n\nContext:\n" + extraContext
	}
	resp, err := o.infer.Complete(ctx, inference.Request{
		SystemPrompt: "You decompose a goal into an execution plan. Respond with JSON matching: " + plannerSchemaJSON,
		Prompt:       prompt,
		MaxTokens:    2000,
	})
	if err != nil {
		return PlannerOutput{}, err
	}

	candidate := extractJSONObject(resp.Text)
	if candidate == "" {
		return PlannerOutput{}, colonyerr.New("orchestrator.planViaInference", colonyerr.InvalidInput, fmt.Errorf("no JSON object in planner response"))
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return PlannerOutput{}, colonyerr.New("orchestrator.planViaInference", colonyerr.InvalidInput, err)
	}
	if err := plannerSchema.Validate(parsed); err != nil {
		return PlannerOutput{}, colonyerr.New("orchestrator.planViaInference", colonyerr.InvalidInput, err)
	}

	var out PlannerOutput
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return PlannerOutput{}, colonyerr.New("orchestrator.planViaInference", colonyerr.InvalidInput, err)
	}
	return out, nil
}

// validatePlannerOutput enforces the rules a JSON Schema cannot express:
// no duplicate custom role names, every dependency index in range and
// not self-referential, and the dependency graph acyclic.
func validatePlannerOutput(out PlannerOutput) error {
	seenRoles := make(map[string]bool)
	for _, role := range out.CustomRoles {
		if seenRoles[role] {
			return colonyerr.New("orchestrator.validatePlannerOutput", colonyerr.InvalidInput,
				fmt.Errorf("duplicate custom role %q", role))
		}
		seenRoles[role] = true
	}

	n := len(out.Tasks)
	adj := make(map[int][]int, n)
	for i, t := range out.Tasks {
		for _, dep := range t.Dependencies {
			if dep < 0 || dep >= n {
				return colonyerr.New("orchestrator.validatePlannerOutput", colonyerr.InvalidInput,
					fmt.Errorf("task %d: dependency index %d out of range", i, dep))
			}
			if dep == i {
				return colonyerr.New("orchestrator.validatePlannerOutput", colonyerr.InvalidInput,
					fmt.Errorf("task %d: self-dependency", i))
			}
			adj[i] = append(adj[i], dep)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range adj[i] {
			switch color[dep] {
			case gray:
				return colonyerr.New("orchestrator.validatePlannerOutput", colonyerr.CycleDetected,
					fmt.Errorf("cycle involving task %d", dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := 0; i < n; i++ {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// plannerOutputToTaskSpecs converts validated planner tasks into
// taskgraph.TaskSpec values, translating integer dependency indices to
// the "#N" alias form the Task Graph engine resolves.
func plannerOutputToTaskSpecs(out PlannerOutput) []taskgraph.TaskSpec {
	specs := make([]taskgraph.TaskSpec, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, fmt.Sprintf("#%d", d))
		}
		specs = append(specs, taskgraph.TaskSpec{
			Title:              t.Title,
			Description:        t.Description,
			AgentRole:          t.AgentRole,
			Dependencies:       deps,
			EstimatedCostCents: t.EstimatedCostCents,
			MaxRetries:         t.MaxRetries,
		})
	}
	return specs
}

func (o *Orchestrator) tickPlanning(ctx context.Context, state *ExecutionState) error {
	goal, err := o.store.GetGoal(ctx, state.GoalID)
	if err != nil {
		return err
	}
	out := o.plan(ctx, goal, "")

	if _, err := o.graph.DecomposeGoal(ctx, goal.ID, plannerOutputToTaskSpecs(out)); err != nil {
		return err
	}
	if err := o.writePlanFile(state, out); err != nil {
		return err
	}
	if _, err := o.events.Append(ctx, store.StreamEvent{
		Type: store.EventPlanCreated, GoalID: goal.ID,
		Content: fmt.Sprintf("plan created: %d tasks, estimated %dm / %dc",
			len(out.Tasks), out.EstimatedTimeMinutes, out.EstimatedTotalCostCents),
	}); err != nil {
		return err
	}
	state.plannerOutput = &out
	return o.transition(state, PhasePlanReview)
}

func (o *Orchestrator) writePlanFile(state *ExecutionState, out PlannerOutput) error {
	if o.cfg.Workspace == "" {
		return nil
	}
	dir := filepath.Join(o.cfg.Workspace, "plans", state.GoalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return colonyerr.New("orchestrator.writePlanFile", colonyerr.InvalidState, err)
	}
	path := filepath.Join(dir, "plan.json")
	if state.PlanFilePath != "" {
		if _, err := os.Stat(path); err == nil {
			state.PlanVersion++
			archived := filepath.Join(dir, fmt.Sprintf("plan-v%d.json", state.PlanVersion))
			if err := os.Rename(path, archived); err != nil {
				return colonyerr.New("orchestrator.writePlanFile", colonyerr.InvalidState, err)
			}
		}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return colonyerr.New("orchestrator.writePlanFile", colonyerr.InvalidState, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return colonyerr.New("orchestrator.writePlanFile", colonyerr.InvalidState, err)
	}
	state.PlanFilePath = path
	return nil
}

// tickPlanReview implements  "Plan review": auto mode approves
// unconditionally (emitting feedback above the budget threshold),
// supervised mode stays in plan_review awaiting external approval,
// consensus mode stubs to approval naming a critic role.
func (o *Orchestrator) tickPlanReview(ctx context.Context, state *ExecutionState) error {
	out := state.plannerOutput
	if out == nil {
		// State was reloaded from persisted JSON, which drops the
		// unexported plannerOutput cache; re-derive from the plan file.
		loaded, err := o.reloadPlanFile(state)
		if err != nil {
			return err
		}
		out = loaded
	}

	switch o.cfg.ApprovalMode {
	case ApprovalSupervised:
		approved, ok, err := o.store.GetKV(ctx, "orchestrator.plan_review.approved."+state.GoalID)
		if err != nil {
			return err
		}
		if !ok || approved != "true" {
			return nil // stays in plan_review: "awaiting human approval"
		}
	case ApprovalConsensus:
		if _, err := o.events.Append(ctx, store.StreamEvent{
			Type: store.EventReflection, GoalID: state.GoalID,
			Content: "plan_review: consensus mode stubbed to approval (critic role: plan-critic)",
		}); err != nil {
			return err
		}
	default: // ApprovalAuto
		if out.EstimatedTotalCostCents > o.cfg.AutoBudgetThresholdCents {
			if _, err := o.events.Append(ctx, store.StreamEvent{
				Type: store.EventReflection, GoalID: state.GoalID,
				Content: fmt.Sprintf("plan_review: auto-approved above budget threshold (%d > %d)",
					out.EstimatedTotalCostCents, o.cfg.AutoBudgetThresholdCents),
			}); err != nil {
				return err
			}
		}
	}

	return o.transition(state, PhaseExecuting)
}

func (o *Orchestrator) reloadPlanFile(state *ExecutionState) (*PlannerOutput, error) {
	if state.PlanFilePath == "" {
		out := PlannerOutput{}
		return &out, nil
	}
	b, err := os.ReadFile(state.PlanFilePath)
	if err != nil {
		return nil, colonyerr.New("orchestrator.reloadPlanFile", colonyerr.InvalidState, err)
	}
	var out PlannerOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, colonyerr.New("orchestrator.reloadPlanFile", colonyerr.InvalidState, err)
	}
	return &out, nil
}
