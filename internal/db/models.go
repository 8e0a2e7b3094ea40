package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Conversation status values
const (
	ConversationOpen     = "open"
	ConversationResolved = "resolved"
	ConversationBlocked  = "blocked"
)

// Message author kinds
const (
	AuthorVisitor    = "visitor"
	AuthorHumanAgent = "human_agent"
	AuthorAIAgent    = "ai_agent"
	AuthorSystem     = "system"
)

// Conversation is one support thread between a visitor and the workspace
type Conversation struct {
	ID          uuid.UUID  `db:"id"`
	WorkspaceID uuid.UUID  `db:"workspace_id"`
	VisitorID   string     `db:"visitor_id"`
	Status      string     `db:"status"`
	AssigneeID  *string    `db:"assignee_id"`
	Escalated   bool       `db:"escalated"`

	LastVisitorMessageAt *time.Time `db:"last_visitor_message_at"`
	LastHumanReplyAt     *time.Time `db:"last_human_reply_at"`

	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AgentProfile holds the capability and behavior settings of one AI agent
type AgentProfile struct {
	ID          uuid.UUID `db:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id"`
	Name        string    `db:"name"`
	Active      bool      `db:"active"`

	// Below this confidence a respond/escalate tie resolves to escalate
	EscalationThreshold float64 `db:"escalation_threshold"`

	Behavior  JSONB     `db:"behavior"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Message is one append-only timeline item. The primary key is derived from
// the idempotency key when one is supplied, which makes uniqueness on ID the
// dedup boundary for at-least-once delivery.
type Message struct {
	ID             uuid.UUID `db:"id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	AuthorKind     string    `db:"author_kind"`
	AuthorID       string    `db:"author_id"`
	Body           string    `db:"body"`
	Private        bool      `db:"private"`
	IdempotencyKey *string   `db:"idempotency_key"`

	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// RunRecord is the persisted terminal state of one pipeline run, written
// asynchronously from the followup stage for operator visibility.
type RunRecord struct {
	ID             uuid.UUID  `db:"id"`
	RunID          string     `db:"run_id"`
	ConversationID uuid.UUID  `db:"conversation_id"`
	WorkflowKind   string     `db:"workflow_kind"`
	AgentID        *uuid.UUID `db:"agent_id"`

	Status string  `db:"status"`
	Action *string `db:"action"`
	Reason *string `db:"reason"`

	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	DurationMs  *int64     `db:"duration_ms"`

	Metrics   JSONB     `db:"metrics"`
	CreatedAt time.Time `db:"created_at"`
}
