// Package compression is the Compression Engine: a
// five-stage progressive cascade, keyed to context-window utilization,
// that reclaims token budget while preserving active task specs and
// financial state. Invoked by the outer agent loop, never by the
// Orchestrator directly.
//
// A threshold-driven summarize-then-archive pass over session history,
// generalized from a single summarize-and-archive step to the
// five-stage cascade and checkpoint
// format this runtime needs.
package compression

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/tokenutil"
)

// Stage is one of the five cascade levels, keyed to a utilization
// threshold crossed.
type Stage int

const (
	StageNone Stage = iota
	Stage1CompactToolResults
	Stage2CompressTurns
	Stage3SummarizeBatch
	Stage4CheckpointAndReset
	Stage5EmergencyTruncate
)

func (s Stage) String() string {
	switch s {
	case Stage1CompactToolResults:
		return "compact_tool_results"
	case Stage2CompressTurns:
		return "compress_turns"
	case Stage3SummarizeBatch:
		return "summarize_batch"
	case Stage4CheckpointAndReset:
		return "checkpoint_and_reset"
	case Stage5EmergencyTruncate:
		return "emergency_truncate"
	default:
		return "none"
	}
}

// thresholds, 
const (
	thresholdStage1 = 70.0
	thresholdStage2 = 80.0
	thresholdStage3 = 85.0
	thresholdStage4 = 90.0
	thresholdStage5 = 95.0
)

// retained-window sizes, in turns (one StreamEvent = one turn here; the
// teacher's Compactor counts history items the same way).
const (
	windowStage1 = 5
	windowStage2 = 10
	windowStage4 = 5
	windowStage5 = 3

	batchSize           = 5
	batchSummaryBudget  = 220
	checkpointTokenCap  = 1500
)

// Utilization is the agent loop's snapshot of context-window pressure.
type Utilization struct {
	UtilizationPercent float64
}

// CompressionPlan is what evaluate produces: the ordered stage actions
// whose threshold is crossed.
type CompressionPlan struct {
	AgentAddress string
	MaxStage     Stage
}

// CompressionResult is what execute reports back.
type CompressionResult struct {
	TurnNumber                int
	PreCompressionTokens      int
	PostCompressionTokens     int
	CompressionRatio          float64
	Stage                     Stage
	TokensSaved               int
	LatencyMs                 int64
	TotalCheckpoints          int
	TotalEmergencyTruncations int
	CompressedTurnCount       int
	AverageCompressionRatio   float64
	PeakUtilizationPercent    float64
	TurnsWithoutCompression   int
}

// Checkpoint is the ≤1500-token snapshot written at stage 4.
type Checkpoint struct {
	ID              string          `json:"id"`
	AgentAddress    string          `json:"agentAddress"`
	Summary         string          `json:"summary"`
	SummaryTokens   int             `json:"summaryTokens"`
	ActiveGoalIDs   []string        `json:"activeGoalIds"`
	ActiveTaskIDs   []string        `json:"activeTaskIds"`
	KeyDecisions    []string        `json:"keyDecisions"`
	FinancialState  *FinancialState `json:"financialState,omitempty"`
	TurnCount       int             `json:"turnCount"`
	TokensSaved     int             `json:"tokensSaved"`
	CreatedAt       time.Time       `json:"createdAt"`
	FilePath        string          `json:"filePath"`
}

// FinancialState is the financial snapshot folded into a checkpoint.
type FinancialState struct {
	RecentEvents    []store.StreamEvent    `json:"recentEvents"`
	KnowledgeFacts  []store.KnowledgeEntry `json:"knowledgeFacts"`
}

// Engine is the Compression Engine, backed by a Store, an event stream,
// and an inference Client for stage-3/stage-4 summarization.
//
// Running counters live as fields of this one owned value: never as
// module-level globals: so its lifetime matches the agent loop that
// created it.
type Engine struct {
	store     *store.Store
	events    *eventstream.Stream
	inference inference.Client
	workspace string

	totalCheckpoints          int
	totalEmergencyTruncations int
	compressedTurnCount       int
	averageCompressionRatio   float64
	executionCount            int
	peakUtilizationPercent    float64
	turnsWithoutCompression   int
	turnNumber                int
}

func New(s *store.Store, es *eventstream.Stream, infer inference.Client, workspace string) *Engine {
	return &Engine{store: s, events: es, inference: infer, workspace: workspace}
}

var decisionLanguage = regexp.MustCompile(`(?i)\b(decided|will|plan to|going to|chose|choosing|selected)\b`)

// Evaluate inspects utilization and assembles a plan covering every stage
// whose threshold is crossed. Peak utilization is sticky across calls.
func (e *Engine) Evaluate(agentAddress string, u Utilization) CompressionPlan {
	if u.UtilizationPercent > e.peakUtilizationPercent {
		e.peakUtilizationPercent = u.UtilizationPercent
	}

	plan := CompressionPlan{AgentAddress: agentAddress}
	switch {
	case u.UtilizationPercent > thresholdStage5:
		plan.MaxStage = Stage5EmergencyTruncate
	case u.UtilizationPercent > thresholdStage4:
		plan.MaxStage = Stage4CheckpointAndReset
	case u.UtilizationPercent > thresholdStage3:
		plan.MaxStage = Stage3SummarizeBatch
	case u.UtilizationPercent > thresholdStage2:
		plan.MaxStage = Stage2CompressTurns
	case u.UtilizationPercent > thresholdStage1:
		plan.MaxStage = Stage1CompactToolResults
	default:
		plan.MaxStage = StageNone
	}
	return plan
}

// Execute runs every stage up to plan.MaxStage in ascending order and
// emits a compression event with running metrics.
func (e *Engine) Execute(ctx context.Context, plan CompressionPlan) (CompressionResult, error) {
	start := time.Now()
	e.turnNumber++

	if plan.MaxStage == StageNone {
		return CompressionResult{
			TurnNumber:              e.turnNumber,
			Stage:                   StageNone,
			CompressionRatio:        1,
			AverageCompressionRatio: e.averageCompressionRatio,
			PeakUtilizationPercent:  e.peakUtilizationPercent,
			TurnsWithoutCompression: e.bumpTurnsWithoutCompression(true),
		}, nil
	}

	all, err := e.events.GetRecent(ctx, plan.AgentAddress, 100000)
	if err != nil {
		return CompressionResult{}, err
	}
	// GetRecent is most-recent-first; work oldest-first for window math.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	preTokens := sumTokens(all)
	actualMaxStage := plan.MaxStage
	var tokensSaved int

	if actualMaxStage >= Stage1CompactToolResults {
		n, saved, err := e.compactOlderThanWindow(ctx, all, windowStage1, eventstream.StrategyReference)
		if err != nil {
			return CompressionResult{}, err
		}
		tokensSaved += saved
		e.compressedTurnCount += n
	}
	if actualMaxStage >= Stage2CompressTurns {
		n, saved, err := e.compactOlderThanWindow(ctx, all, windowStage2, eventstream.StrategySummarize)
		if err != nil {
			return CompressionResult{}, err
		}
		tokensSaved += saved
		e.compressedTurnCount += n
	}
	if actualMaxStage >= Stage3SummarizeBatch {
		saved, stage4Forced, err := e.summarizeBatches(ctx, plan.AgentAddress, all, windowStage2)
		if err != nil {
			return CompressionResult{}, err
		}
		tokensSaved += saved
		if stage4Forced && actualMaxStage < Stage4CheckpointAndReset {
			actualMaxStage = Stage4CheckpointAndReset
		}
	}
	if actualMaxStage >= Stage4CheckpointAndReset {
		saved, err := e.checkpointAndReset(ctx, plan.AgentAddress, all)
		if err != nil {
			return CompressionResult{}, err
		}
		tokensSaved += saved
		e.totalCheckpoints++
	}
	if actualMaxStage >= Stage5EmergencyTruncate {
		saved, err := e.emergencyTruncate(ctx, plan.AgentAddress, all)
		if err != nil {
			return CompressionResult{}, err
		}
		tokensSaved += saved
		e.totalEmergencyTruncations++
	}

	postTokens := preTokens - tokensSaved
	if postTokens < 0 {
		postTokens = 0
	}
	ratio := 1.0
	if preTokens > 0 {
		ratio = float64(postTokens) / float64(preTokens)
	}
	e.executionCount++
	e.averageCompressionRatio = runningMean(e.averageCompressionRatio, e.executionCount, ratio)

	result := CompressionResult{
		TurnNumber:                e.turnNumber,
		PreCompressionTokens:      preTokens,
		PostCompressionTokens:     postTokens,
		CompressionRatio:          ratio,
		Stage:                     actualMaxStage,
		TokensSaved:               tokensSaved,
		LatencyMs:                 time.Since(start).Milliseconds(),
		TotalCheckpoints:          e.totalCheckpoints,
		TotalEmergencyTruncations: e.totalEmergencyTruncations,
		CompressedTurnCount:       e.compressedTurnCount,
		AverageCompressionRatio:   e.averageCompressionRatio,
		PeakUtilizationPercent:    e.peakUtilizationPercent,
		TurnsWithoutCompression:   e.bumpTurnsWithoutCompression(false),
	}

	metricsJSON, _ := json.Marshal(result)
	if _, err := e.events.Append(ctx, store.StreamEvent{
		Type:         store.EventCompression,
		AgentAddress: plan.AgentAddress,
		Content:      string(metricsJSON),
	}); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) bumpTurnsWithoutCompression(noCompressionRan bool) int {
	if noCompressionRan {
		e.turnsWithoutCompression++
	} else {
		e.turnsWithoutCompression = 0
	}
	return e.turnsWithoutCompression
}

func sumTokens(events []store.StreamEvent) int {
	total := 0
	for _, e := range events {
		total += e.TokenCount
	}
	return total
}

func runningMean(currentMean float64, count int, sample float64) float64 {
	if count <= 1 {
		return sample
	}
	return currentMean + (sample-currentMean)/float64(count)
}

// retainedStart returns the index (into oldest-first events) where the
// retained window of the last windowSize turns begins, pulled back to
// cover any tool_call_id whose first mention lies before the naive cut
// point, so a retained tool_result never loses its matching tool_call.
func retainedStart(events []store.StreamEvent, windowSize int) int {
	if len(events) <= windowSize {
		return 0
	}
	cut := len(events) - windowSize

	firstMention := make(map[string]int)
	for i, e := range events {
		for _, id := range toolCallIDs(e.Content) {
			if _, seen := firstMention[id]; !seen {
				firstMention[id] = i
			}
		}
	}
	for i := cut; i < len(events); i++ {
		for _, id := range toolCallIDs(events[i].Content) {
			if first := firstMention[id]; first < cut {
				cut = first
			}
		}
	}
	return cut
}

var toolCallIDRE = regexp.MustCompile(`tool_call_id["':=\s]+([A-Za-z0-9_-]+)`)

func toolCallIDs(content string) []string {
	matches := toolCallIDRE.FindAllStringSubmatch(content, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// compactOlderThanWindow rewrites compactedTo for every event before the
// retained window using strategy, skipping events already compacted.
func (e *Engine) compactOlderThanWindow(ctx context.Context, events []store.StreamEvent, windowSize int, strategy eventstream.CompactStrategy) (int, int, error) {
	cut := retainedStart(events, windowSize)
	var count, saved int
	for i := 0; i < cut; i++ {
		ev := events[i]
		if ev.CompactedTo != "" {
			continue
		}
		newBody := renderCompact(ev, strategy)
		if err := e.store.SetEventCompactedTo(ctx, ev.ID, newBody); err != nil {
			return count, saved, err
		}
		estimated := tokenutil.Estimate(newBody)
		if s := ev.TokenCount - estimated; s > 0 {
			saved += s
		}
		events[i].CompactedTo = newBody
		count++
	}
	return count, saved, nil
}

func renderCompact(e store.StreamEvent, strategy eventstream.CompactStrategy) string {
	switch strategy {
	case eventstream.StrategyReference:
		return fmt.Sprintf("ref:%s:%s:%s", shortID(e.ID), e.Type, e.CreatedAt.Format("20060102T150405"))
	default:
		normalized := strings.TrimSpace(strings.Join(strings.Fields(e.Content), " "))
		runes := []rune(normalized)
		if len(runes) > 96 {
			runes = runes[:96]
		}
		return fmt.Sprintf("summary:%s:%s", e.Type, string(runes))
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// summarizeBatches groups the pre-window events in batches of batchSize,
// asks the inference client for a ≤220-token summary of each, and stores
// it as a knowledge entry plus a reflection event. A batch whose
// inference call fails logs a compression_error and signals the caller
// to force stage 4.
func (e *Engine) summarizeBatches(ctx context.Context, agent string, events []store.StreamEvent, windowSize int) (int, bool, error) {
	cut := retainedStart(events, windowSize)
	if cut == 0 {
		return 0, false, nil
	}
	var saved int
	forceStage4 := false

	for start := 0; start < cut; start += batchSize {
		end := start + batchSize
		if end > cut {
			end = cut
		}
		batch := events[start:end]

		var sb strings.Builder
		for _, ev := range batch {
			body := ev.Content
			if ev.CompactedTo != "" {
				body = ev.CompactedTo
			}
			fmt.Fprintf(&sb, "[%s] %s\n", ev.Type, body)
		}

		summary, err := e.inference.Complete(ctx, inference.Request{
			Prompt:    "Summarize this batch of agent events in at most 220 tokens, preserving decisions and open tasks:\n" + sb.String(),
			MaxTokens: batchSummaryBudget,
		})
		if err != nil {
			if _, appendErr := e.events.Append(ctx, store.StreamEvent{
				Type: store.EventCompressionError, AgentAddress: agent,
				Content: fmt.Sprintf(`{"stage":3,"error":%q}`, err.Error()),
			}); appendErr != nil {
				return saved, forceStage4, appendErr
			}
			forceStage4 = true
			continue
		}

		entry := store.KnowledgeEntry{
			Category:     store.KnowledgeOperational,
			Key:          fmt.Sprintf("batch-summary-%s", uuid.NewString()),
			Content:      summary.Text,
			Confidence:   0.7,
			Source:       "compression.summarize_batch",
			LastVerified: time.Now().UTC(),
		}
		if _, err := e.store.PutKnowledge(ctx, entry); err != nil {
			return saved, forceStage4, err
		}
		if _, err := e.events.Append(ctx, store.StreamEvent{
			Type: store.EventReflection, AgentAddress: agent,
			Content: fmt.Sprintf("batch summarized: %s", entry.Key),
		}); err != nil {
			return saved, forceStage4, err
		}

		for _, ev := range batch {
			if ev.CompactedTo == "" {
				if es := ev.TokenCount - tokenutil.Estimate(summary.Text)/len(batch); es > 0 {
					saved += es
				}
			}
		}
	}
	return saved, forceStage4, nil
}

// checkpointAndReset produces a checkpoint summarizing everything before
// the retained window, writes it to <workspace>/checkpoints/<id>.json,
// rehydrates active task ids into the knowledge store, and compacts the
// prefix.
func (e *Engine) checkpointAndReset(ctx context.Context, agent string, events []store.StreamEvent) (int, error) {
	cut := retainedStart(events, windowStage4)
	prefix := events[:cut]

	activeGoals, activeTasks := activeIDs(events)
	decisions := keyDecisions(prefix)
	financial, err := e.financialState(ctx, agent)
	if err != nil {
		return 0, err
	}

	var sb strings.Builder
	for _, ev := range prefix {
		body := ev.Content
		if ev.CompactedTo != "" {
			body = ev.CompactedTo
		}
		fmt.Fprintf(&sb, "[%s] %s\n", ev.Type, body)
	}
	summaryText := sb.String()
	resp, err := e.inference.Complete(ctx, inference.Request{
		Prompt:    "Produce a checkpoint summary of this agent history in at most 1500 tokens:\n" + summaryText,
		MaxTokens: checkpointTokenCap,
	})
	if err != nil {
		resp = inference.Response{Text: fallbackCheckpointSummary(prefix)}
	}

	checkpoint := Checkpoint{
		ID:             uuid.NewString(),
		AgentAddress:   agent,
		Summary:        resp.Text,
		SummaryTokens:  tokenutil.Estimate(resp.Text),
		ActiveGoalIDs:  activeGoals,
		ActiveTaskIDs:  activeTasks,
		KeyDecisions:   decisions,
		FinancialState: financial,
		TurnCount:      len(prefix),
		CreatedAt:      time.Now().UTC(),
	}

	path := filepath.Join(e.workspace, "checkpoints", checkpoint.ID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, colonyerr.New("compression.checkpointAndReset", colonyerr.InvalidState, err)
	}
	checkpoint.FilePath = path

	var saved int
	for _, ev := range prefix {
		if ev.CompactedTo == "" {
			saved += ev.TokenCount
		}
	}
	checkpoint.TokensSaved = saved

	b, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return 0, colonyerr.New("compression.checkpointAndReset", colonyerr.InvalidState, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return 0, colonyerr.New("compression.checkpointAndReset", colonyerr.InvalidState, err)
	}

	for _, taskID := range activeTasks {
		entry := store.KnowledgeEntry{
			Category:     store.KnowledgeOperational,
			Key:          fmt.Sprintf("checkpoint-%s-active-task-%s", checkpoint.ID, taskID),
			Content:      taskID,
			Confidence:   1,
			Source:       "compression.checkpoint_and_reset",
			LastVerified: time.Now().UTC(),
		}
		if _, err := e.store.PutKnowledge(ctx, entry); err != nil {
			return saved, err
		}
	}

	for _, ev := range prefix {
		if ev.CompactedTo != "" {
			continue
		}
		if err := e.store.SetEventCompactedTo(ctx, ev.ID, fmt.Sprintf("ref:%s:checkpoint:%s", shortID(ev.ID), checkpoint.ID)); err != nil {
			return saved, err
		}
	}

	if _, err := e.events.Append(ctx, store.StreamEvent{
		Type: store.EventReflection, AgentAddress: agent,
		Content: fmt.Sprintf(`{"kind":"compression_checkpoint_created","checkpointId":%q,"filePath":%q}`, checkpoint.ID, path),
	}); err != nil {
		return saved, err
	}

	return saved, nil
}

func fallbackCheckpointSummary(events []store.StreamEvent) string {
	return fmt.Sprintf("[checkpoint summarization unavailable: %d events truncated]", len(events))
}

// activeIDs walks the full event list, adding a task id on task_assigned
// and removing it on task_completed/task_failed.
func activeIDs(events []store.StreamEvent) (goals []string, tasks []string) {
	goalSet := make(map[string]bool)
	taskSet := make(map[string]bool)
	for _, ev := range events {
		if ev.GoalID != "" {
			goalSet[ev.GoalID] = true
		}
		switch ev.Type {
		case store.EventTaskAssigned:
			if ev.TaskID != "" {
				taskSet[ev.TaskID] = true
			}
		case store.EventTaskCompleted, store.EventTaskFailed:
			delete(taskSet, ev.TaskID)
		}
	}
	for id := range goalSet {
		goals = append(goals, id)
	}
	for id := range taskSet {
		tasks = append(tasks, id)
	}
	sort.Strings(goals)
	sort.Strings(tasks)
	return goals, tasks
}

// keyDecisions extracts content from plan_updated/action/reflection/
// inference events matching decision language.
func keyDecisions(events []store.StreamEvent) []string {
	var decisions []string
	for _, ev := range events {
		switch ev.Type {
		case store.EventPlanUpdated, store.EventAction, store.EventReflection, store.EventInference:
			if decisionLanguage.MatchString(ev.Content) {
				decisions = append(decisions, ev.Content)
			}
		}
	}
	return decisions
}

// financialState gathers the last ten financial/revenue events plus the
// last five financial-category knowledge entries.
func (e *Engine) financialState(ctx context.Context, agent string) (*FinancialState, error) {
	financialEvents, err := e.events.GetByType(ctx, string(store.EventFinancial), "")
	if err != nil {
		return nil, err
	}
	revenueEvents, err := e.events.GetByType(ctx, string(store.EventRevenue), "")
	if err != nil {
		return nil, err
	}
	combined := append(append([]store.StreamEvent{}, financialEvents...), revenueEvents...)
	sort.SliceStable(combined, func(i, j int) bool { return combined[i].CreatedAt.Before(combined[j].CreatedAt) })
	if len(combined) > 10 {
		combined = combined[len(combined)-10:]
	}

	facts, err := e.store.GetKnowledgeByCategory(ctx, string(store.KnowledgeFinancial), 5)
	if err != nil {
		return nil, err
	}

	return &FinancialState{RecentEvents: combined, KnowledgeFacts: facts}, nil
}

// emergencyTruncate hard-deletes everything before the retained 3-turn
// window and emits a compression_warning event.
func (e *Engine) emergencyTruncate(ctx context.Context, agent string, events []store.StreamEvent) (int, error) {
	cut := retainedStart(events, windowStage5)
	if cut == 0 {
		return 0, nil
	}
	ids := make([]string, 0, cut)
	var saved int
	for i := 0; i < cut; i++ {
		ids = append(ids, events[i].ID)
		saved += events[i].TokenCount
	}
	if _, err := e.store.DeleteEvents(ctx, ids); err != nil {
		return 0, err
	}
	if _, err := e.events.Append(ctx, store.StreamEvent{
		Type: store.EventCompressionWarning, AgentAddress: agent,
		Content: fmt.Sprintf("emergency truncation removed %d events", cut),
	}); err != nil {
		return saved, err
	}
	return saved, nil
}
