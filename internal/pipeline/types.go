package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chatdock/agentd/internal/db"
)

// Status is the terminal outcome of one run
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Skip reasons surfaced in run results, events, and metrics
const (
	ReasonSuperseded  = "superseded"
	ReasonInterrupted = "interrupted by new message"
)

// Actions the model may decide on
const (
	ActionRespond  = "respond"
	ActionEscalate = "escalate"
	ActionResolve  = "resolve"
	ActionSkip     = "skip"
	ActionAssign   = "assign"
)

// Input identifies one scheduled run: which conversation, which agent, and
// which message triggered it. RunID doubles as the supersession slot value.
type Input struct {
	RunID            string
	WorkflowKind     string
	ConversationID   uuid.UUID
	AgentID          uuid.UUID
	TriggerMessageID uuid.UUID
}

// StageMetrics is purely observational and never affects control flow.
type StageMetrics struct {
	Intake     time.Duration
	Decision   time.Duration
	Generation time.Duration
	Execution  time.Duration
	Total      time.Duration
	TokensUsed int
}

// Result is the tagged outcome of a run. Skipped covers every benign
// non-completion (policy declined, superseded, context not ready); Error is
// reserved for provider and database faults.
type Result struct {
	Status  Status
	Action  string
	Reason  string
	Err     error
	Metrics StageMetrics
}

// AgentDecision is the model's structured output after validation.
type AgentDecision struct {
	Action         string  `json:"action"`
	VisitorMessage string  `json:"visitor_message,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
}

// GenerationResult is what the generation stage hands back to the
// orchestrator. Aborted means the completion was cut short because the run
// was superseded; no further stage may execute after that.
type GenerationResult struct {
	Decision             AgentDecision
	SendMessageCalls     int
	Aborted              bool
	NeedsFallbackMessage bool
	TokensUsed           int
}

// RunRegistry is the supersession slot: last writer wins, and every consumer
// only cares whether its own run ID is still the stored one.
type RunRegistry interface {
	RegisterRun(ctx context.Context, conversationID, kind, runID string) error
	IsActive(ctx context.Context, conversationID, kind, runID string) (bool, error)
	Release(ctx context.Context, conversationID, kind, runID string) error
}

// ConversationStore is the slice of the database layer the pipeline touches.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	GetAgentProfile(ctx context.Context, id uuid.UUID) (*db.AgentProfile, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]db.Message, error)
	SendMessage(ctx context.Context, in db.SendMessageInput) (db.SendMessageResult, error)
	UpdateConversationStatus(ctx context.Context, id uuid.UUID, status string) error
	AssignConversation(ctx context.Context, id uuid.UUID, assigneeID *string) error
	MarkEscalated(ctx context.Context, id uuid.UUID, reason string) error
	QueueRunRecord(rec *db.RunRecord)
}

// MessageProvider resolves fallback copy per agent and action.
type MessageProvider interface {
	MessageFor(agentID, action string) string
}

// KnowledgeSnippet is one retrieved help-center passage.
type KnowledgeSnippet struct {
	Title   string
	Content string
	Score   float64
}

// KnowledgeSearcher backs the model's knowledge-lookup tool. A nil searcher
// disables the tool.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]KnowledgeSnippet, error)
}
