package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chatdock/agentd/internal/db"
	"github.com/chatdock/agentd/internal/llm"
)

// fakeRegistry is an in-memory last-writer-wins slot.
type fakeRegistry struct {
	mu          sync.Mutex
	slots       map[string]string
	activeErr   error
	registerErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{slots: make(map[string]string)}
}

func (f *fakeRegistry) key(conversationID, kind string) string {
	return conversationID + ":" + kind
}

func (f *fakeRegistry) RegisterRun(_ context.Context, conversationID, kind, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.slots[f.key(conversationID, kind)] = runID
	return nil
}

func (f *fakeRegistry) IsActive(_ context.Context, conversationID, kind, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return false, f.activeErr
	}
	return f.slots[f.key(conversationID, kind)] == runID, nil
}

func (f *fakeRegistry) Release(_ context.Context, conversationID, kind, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slots[f.key(conversationID, kind)] == runID {
		delete(f.slots, f.key(conversationID, kind))
	}
	return nil
}

// fakeStore keeps messages in memory keyed by their deterministic ID.
type fakeStore struct {
	mu           sync.Mutex
	conversation *db.Conversation
	agent        *db.AgentProfile
	trigger      *db.Message
	history      []db.Message
	messages     map[uuid.UUID]db.Message
	records      []*db.RunRecord

	statusUpdates []string
	escalations   []string
	assignments   []string

	sendErr error
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[uuid.UUID]db.Message)}
}

func (f *fakeStore) GetConversation(_ context.Context, _ uuid.UUID) (*db.Conversation, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.conversation, nil
}

func (f *fakeStore) GetAgentProfile(_ context.Context, _ uuid.UUID) (*db.AgentProfile, error) {
	return f.agent, nil
}

func (f *fakeStore) GetMessage(_ context.Context, _ uuid.UUID) (*db.Message, error) {
	return f.trigger, nil
}

func (f *fakeStore) ListRecentMessages(_ context.Context, _ uuid.UUID, _ int) ([]db.Message, error) {
	return f.history, nil
}

func (f *fakeStore) SendMessage(_ context.Context, in db.SendMessageInput) (db.SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return db.SendMessageResult{}, f.sendErr
	}
	if in.IdempotencyKey == "" {
		return db.SendMessageResult{}, fmt.Errorf("idempotency key is required")
	}
	id := db.MessageIDForKey(in.IdempotencyKey)
	if _, ok := f.messages[id]; ok {
		return db.SendMessageResult{MessageID: id, Created: false}, nil
	}
	f.messages[id] = db.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		AuthorKind:     in.AuthorKind,
		AuthorID:       in.AuthorID,
		Body:           in.Body,
		Private:        in.Private,
	}
	return db.SendMessageResult{MessageID: id, Created: true}, nil
}

func (f *fakeStore) UpdateConversationStatus(_ context.Context, _ uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeStore) AssignConversation(_ context.Context, _ uuid.UUID, assigneeID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignee := ""
	if assigneeID != nil {
		assignee = *assigneeID
	}
	f.assignments = append(f.assignments, assignee)
	return nil
}

func (f *fakeStore) MarkEscalated(_ context.Context, _ uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, reason)
	return nil
}

func (f *fakeStore) QueueRunRecord(rec *db.RunRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeStore) messageBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		bodies = append(bodies, m.Body)
	}
	return bodies
}

// fakeProvider returns scripted completions, optionally blocking until the
// context is cancelled to simulate a long completion call.
type fakeProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	err         error
	blockUntil  func(ctx context.Context)
	calls       int
}

func (f *fakeProvider) Complete(ctx context.Context, _ llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockUntil
	f.mu.Unlock()

	if block != nil {
		block(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completions) == 0 {
		return &llm.Completion{Content: `{"action":"skip"}`}, nil
	}
	c := f.completions[0]
	if len(f.completions) > 1 {
		f.completions = f.completions[1:]
	}
	return c, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixedMessages struct{}

func (fixedMessages) MessageFor(_, action string) string {
	return "fallback for " + action
}
