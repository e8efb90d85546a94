package orchestrator

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/taskgraph"
)

// ClassifierOutput is what the lightweight classification call returns.
type ClassifierOutput struct {
	EstimatedSteps int      `json:"estimatedSteps"`
	Reason         string   `json:"reason"`
	StepOutline    []string `json:"stepOutline"`
}

const trivialStepCeiling = 3

var conjunctionRE = regexp.MustCompile(`(?i)\b(and|then|after|also|plus)\b`)

var toolVocabulary = []string{
	"deploy", "build", "research", "analyze", "write", "test", "review",
	"publish", "negotiate", "schedule", "migrate", "integrate", "monitor",
}

// classify asks the inference client for a step estimate; any inference
// failure falls back to the deterministic heuristic, clamped to [1, 12].
func (o *Orchestrator) classify(ctx context.Context, goal store.Goal) ClassifierOutput {
	if o.infer != nil {
		if out, err := o.classifyViaInference(ctx, goal); err == nil {
			return clampClassifierOutput(out)
		}
	}
	return clampClassifierOutput(heuristicClassify(goal))
}

func (o *Orchestrator) classifyViaInference(ctx context.Context, goal store.Goal) (ClassifierOutput, error) {
	resp, err := o.infer.Complete(ctx, inference.Request{
		SystemPrompt: "You estimate how many discrete execution steps a goal requires. Respond with JSON: {\"estimatedSteps\": int, \"reason\": string, \"stepOutline\": [string,...]}.",
		Prompt:       "Goal: " + goal.Title + "\n" + goal.Description,
		MaxTokens:    300,
	})
	if err != nil {
		return ClassifierOutput{}, err
	}
	var out ClassifierOutput
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &out); err != nil {
		return ClassifierOutput{}, err
	}
	return out, nil
}

func heuristicClassify(goal store.Goal) ClassifierOutput {
	text := goal.Title + " " + goal.Description
	words := len(strings.Fields(text))
	conjunctions := len(conjunctionRE.FindAllString(text, -1))
	toolHits := 0
	lower := strings.ToLower(text)
	for _, v := range toolVocabulary {
		if strings.Contains(lower, v) {
			toolHits++
		}
	}

	steps := 1 + conjunctions + toolHits
	if words > 40 {
		steps++
	}
	if words > 100 {
		steps++
	}

	return ClassifierOutput{
		EstimatedSteps: steps,
		Reason:         "heuristic: word/conjunction/tool-vocabulary estimate",
		StepOutline:    nil,
	}
}

func clampClassifierOutput(out ClassifierOutput) ClassifierOutput {
	if out.EstimatedSteps < 1 {
		out.EstimatedSteps = 1
	}
	if out.EstimatedSteps > 12 {
		out.EstimatedSteps = 12
	}
	return out
}

func (o *Orchestrator) tickClassifying(ctx context.Context, state *ExecutionState) error {
	goal, err := o.store.GetGoal(ctx, state.GoalID)
	if err != nil {
		return err
	}
	out := o.classify(ctx, goal)

	if out.EstimatedSteps <= trivialStepCeiling {
		if _, err := o.graph.DecomposeGoal(ctx, goal.ID, []taskgraph.TaskSpec{{
			Title:       goal.Title,
			Description: goal.Description,
			AgentRole:   "generalist",
		}}); err != nil {
			return err
		}
		return o.transition(state, PhaseExecuting)
	}
	return o.transition(state, PhasePlanning)
}
