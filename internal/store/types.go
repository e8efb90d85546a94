package store

import "time"

// GoalStatus is one of the canonical goal lifecycle states.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalPaused    GoalStatus = "paused"
)

// TaskStatus is one of the canonical task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether s is one of the terminal task statuses.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// EventType is one of the normative StreamEvent type identifiers.
type EventType string

const (
	EventUserInput          EventType = "user_input"
	EventPlanCreated        EventType = "plan_created"
	EventPlanUpdated        EventType = "plan_updated"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventAction             EventType = "action"
	EventObservation        EventType = "observation"
	EventInference          EventType = "inference"
	EventFinancial          EventType = "financial"
	EventAgentSpawned       EventType = "agent_spawned"
	EventAgentDied          EventType = "agent_died"
	EventKnowledge          EventType = "knowledge"
	EventMarketSignal       EventType = "market_signal"
	EventRevenue            EventType = "revenue"
	EventError              EventType = "error"
	EventReflection         EventType = "reflection"
	EventCompression        EventType = "compression"
	EventCompressionError   EventType = "compression_error"
	EventCompressionWarning EventType = "compression_warning"
)

// KnowledgeCategory is one of the canonical knowledge-entry categories.
type KnowledgeCategory string

const (
	KnowledgeMarket      KnowledgeCategory = "market"
	KnowledgeTechnical   KnowledgeCategory = "technical"
	KnowledgeSocial      KnowledgeCategory = "social"
	KnowledgeFinancial   KnowledgeCategory = "financial"
	KnowledgeOperational KnowledgeCategory = "operational"
)

// InboxStatus is one of the canonical inbox claim-protocol states.
type InboxStatus string

const (
	InboxReceived   InboxStatus = "received"
	InboxInProgress InboxStatus = "in_progress"
	InboxProcessed  InboxStatus = "processed"
	InboxFailed     InboxStatus = "failed"
)

// Goal is the top-level unit of work a caller hands to the orchestrator.
type Goal struct {
	ID                    string
	Title                 string
	Description           string
	Strategy              string
	Status                GoalStatus
	ExpectedRevenueCents  int64
	ActualRevenueCents    int64
	CreatedAt             time.Time
	CompletedAt           *time.Time
	Deadline              *time.Time
}

// TaskResult is the outcome written once a task reaches a terminal status.
type TaskResult struct {
	Success   bool     `json:"success"`
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts"`
	CostCents int64    `json:"costCents"`
	Duration  int64    `json:"durationMs"`
}

// Task is one node of a goal's dependency-ordered task graph.
type Task struct {
	ID                 string
	GoalID              string
	ParentID            string
	Title               string
	Description         string
	Status              TaskStatus
	AssignedTo          string
	AgentRole           string
	Priority            int
	Dependencies        []string
	Result              *TaskResult
	EstimatedCostCents  int64
	ActualCostCents     int64
	MaxRetries          int
	RetryCount          int
	TimeoutMs           int64
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// StreamEvent is one append-only entry in the event stream.
type StreamEvent struct {
	ID           string
	Type         EventType
	AgentAddress string
	GoalID       string
	TaskID       string
	Content      string
	TokenCount   int
	CompactedTo  string
	CreatedAt    time.Time
}

// KnowledgeEntry is a retrievable fact pinned or learned by the agent.
type KnowledgeEntry struct {
	ID           string
	Category     KnowledgeCategory
	Key          string
	Content      string
	Confidence   float64
	Source       string
	AccessCount  int
	TokenCount   int
	CreatedAt    time.Time
	LastVerified time.Time
	ExpiresAt    *time.Time
}

// InboxMessage is one envelope claimed through the inbox protocol.
type InboxMessage struct {
	ID          string
	From        string
	To          string
	Content     string
	Status      InboxStatus
	RetryCount  int
	MaxRetries  int
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
