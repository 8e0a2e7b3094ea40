package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/circuitbreaker"
	"github.com/chatdock/agentd/internal/metrics"
)

// messageNamespace seeds the deterministic mapping from idempotency keys to
// message primary keys. Never change it: retried deliveries of the same
// logical event must keep hashing to the same row forever.
var messageNamespace = uuid.MustParse("8f6f3b52-9c1e-4d2a-b7ce-4a1f0d2b9e11")

// MessageIDForKey maps an idempotency key one-way into the message primary
// key. SHA-1 UUIDs are collision-resistant within a namespace, so two
// distinct keys never target the same row.
func MessageIDForKey(key string) uuid.UUID {
	return uuid.NewSHA1(messageNamespace, []byte(key))
}

// NewClientFromDB builds a client around an existing connection without
// pinging or starting workers. Used by tests with sqlmock.
func NewClientFromDB(raw *sql.DB, logger *zap.Logger) *Client {
	return &Client{
		db:          circuitbreaker.NewDatabaseWrapper(raw, logger),
		sqlx:        sqlx.NewDb(raw, "postgres"),
		logger:      logger,
		recordQueue: make(chan *RunRecord, 16),
		stopCh:      make(chan struct{}),
	}
}

// SendMessageInput describes one visible or private message append
type SendMessageInput struct {
	ConversationID uuid.UUID
	AuthorKind     string
	AuthorID       string
	Body           string
	Private        bool
	IdempotencyKey string
	Metadata       JSONB
}

// SendMessageResult reports the row targeted and whether this call created it
type SendMessageResult struct {
	MessageID uuid.UUID
	Created   bool
}

// SendMessage appends a message with at-most-once visible effect per
// idempotency key. The row ID is derived from the key, an existing row is
// returned as Created=false, and the insert itself lands on ON CONFLICT DO
// NOTHING so two concurrent calls with the same key still produce one row.
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	if in.IdempotencyKey == "" {
		return SendMessageResult{}, fmt.Errorf("idempotency key is required")
	}
	if in.AuthorKind == "" {
		in.AuthorKind = AuthorAIAgent
	}

	id := MessageIDForKey(in.IdempotencyKey)

	var exists bool
	row, err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id)
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("failed to check message existence: %w", err)
	}
	if err := row.Scan(&exists); err != nil {
		return SendMessageResult{}, fmt.Errorf("failed to check message existence: %w", err)
	}
	if exists {
		metrics.MessagesDeduplicated.Inc()
		c.logger.Debug("Message already delivered for idempotency key",
			zap.String("idempotency_key", in.IdempotencyKey),
			zap.String("message_id", id.String()),
		)
		return SendMessageResult{MessageID: id, Created: false}, nil
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, author_kind, author_id, body, private,
			idempotency_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		id, in.ConversationID, in.AuthorKind, in.AuthorID, in.Body, in.Private,
		in.IdempotencyKey, in.Metadata, time.Now(),
	)
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("failed to insert message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		// Lost a race with a concurrent delivery of the same key
		metrics.MessagesDeduplicated.Inc()
		return SendMessageResult{MessageID: id, Created: false}, nil
	}

	return SendMessageResult{MessageID: id, Created: true}, nil
}

// GetConversation loads one conversation by ID
func (c *Client) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var conv Conversation
	if err := c.sqlx.GetContext(ctx, &conv,
		`SELECT * FROM conversations WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// GetAgentProfile loads one agent profile by ID
func (c *Client) GetAgentProfile(ctx context.Context, id uuid.UUID) (*AgentProfile, error) {
	var agent AgentProfile
	if err := c.sqlx.GetContext(ctx, &agent,
		`SELECT * FROM agent_profiles WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load agent profile: %w", err)
	}
	return &agent, nil
}

// GetMessage loads one timeline item by ID
func (c *Client) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	var msg Message
	if err := c.sqlx.GetContext(ctx, &msg,
		`SELECT * FROM messages WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &msg, nil
}

// ListRecentMessages returns the newest limit messages in chronological order
func (c *Client) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	if err := c.sqlx.SelectContext(ctx, &msgs, `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`,
		conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// UpdateConversationStatus sets the conversation status
func (c *Client) UpdateConversationStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return nil
}

// AssignConversation sets or clears the human assignee
func (c *Client) AssignConversation(ctx context.Context, id uuid.UUID, assigneeID *string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE conversations SET assignee_id = $2, updated_at = $3 WHERE id = $1`,
		id, assigneeID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to assign conversation: %w", err)
	}
	return nil
}

// MarkEscalated flags the conversation for human takeover and records why
func (c *Client) MarkEscalated(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE conversations
		SET escalated = TRUE,
		    assignee_id = NULL,
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('escalation_reason', $2::text),
		    updated_at = $3
		WHERE id = $1`,
		id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to escalate conversation: %w", err)
	}
	return nil
}

// SaveRunRecord persists the terminal state of one pipeline run (idempotent
// by run_id so redelivered followups do not duplicate rows)
func (c *Client) SaveRunRecord(ctx context.Context, rec *RunRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, run_id, conversation_id, workflow_kind, agent_id,
			status, action, reason, started_at, completed_at, duration_ms,
			metrics, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			action = EXCLUDED.action,
			reason = EXCLUDED.reason,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			metrics = EXCLUDED.metrics`,
		rec.ID, rec.RunID, rec.ConversationID, rec.WorkflowKind, rec.AgentID,
		rec.Status, rec.Action, rec.Reason, rec.StartedAt, rec.CompletedAt, rec.DurationMs,
		rec.Metrics, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}
