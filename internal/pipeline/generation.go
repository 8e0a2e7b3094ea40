package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/db"
	"github.com/chatdock/agentd/internal/llm"
	"github.com/chatdock/agentd/internal/metrics"
	"github.com/chatdock/agentd/internal/notify"
	"github.com/chatdock/agentd/internal/policy"
)

// DefaultPollInterval bounds how long a superseded run keeps its completion
// call in flight. A tunable latency trade-off, not a correctness parameter.
const DefaultPollInterval = 2 * time.Second

const maxToolRounds = 3

var validActions = map[string]bool{
	ActionRespond:  true,
	ActionEscalate: true,
	ActionResolve:  true,
	ActionSkip:     true,
	ActionAssign:   true,
}

// generator runs the language-model stage for one run: completion with tool
// use, liveness polling with cooperative abort, and structured output repair.
type generator struct {
	provider     llm.Provider
	registry     RunRegistry
	store        ConversationStore
	searcher     KnowledgeSearcher
	notifier     *notify.Manager
	logger       *zap.Logger
	pollInterval time.Duration
}

type generationInput struct {
	run          Input
	mode         policy.Mode
	agent        *db.AgentProfile
	conversation *db.Conversation
	history      []db.Message
	humanCommand string
}

func (g *generator) run(ctx context.Context, in generationInput) (*GenerationResult, error) {
	genCtx, cancel := context.WithCancel(ctx)

	// A side task flips this flag and cancels the completion the first time
	// the registry says a newer run owns the slot. Poll failures are logged
	// and never abort: false negatives are safe here, false positives not.
	var superseded atomic.Bool
	pollDone := make(chan struct{})
	go g.pollLiveness(genCtx, in.run, &superseded, cancel, pollDone)
	defer func() {
		cancel()
		<-pollDone
	}()

	messages := buildPromptMessages(in)
	tools := g.toolsFor(in.mode)

	result := &GenerationResult{}
	var completion *llm.Completion

	for round := 0; round < maxToolRounds; round++ {
		var err error
		completion, err = g.provider.Complete(genCtx, llm.Request{
			System:   buildSystemPrompt(in),
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			if superseded.Load() {
				result.Aborted = true
				return result, nil
			}
			return nil, fmt.Errorf("completion failed: %w", err)
		}
		result.TokensUsed += completion.TokensUsed

		searched, err := g.applyToolCalls(ctx, in, completion.ToolCalls, result, &messages)
		if err != nil {
			return nil, err
		}
		if !searched {
			break
		}
		// Knowledge results were appended; give the model one more turn.
	}

	if superseded.Load() {
		result.Aborted = true
		return result, nil
	}

	decision, err := g.parseDecision(genCtx, in, completion)
	if err != nil {
		if superseded.Load() {
			result.Aborted = true
			return result, nil
		}
		return nil, err
	}
	result.Decision = decision

	// A low-confidence respond resolves to escalation; the threshold comes
	// from the agent profile.
	if result.Decision.Action == ActionRespond && result.Decision.Confidence > 0 &&
		policy.FavorEscalation(result.Decision.Confidence, in.agent.EscalationThreshold) {
		g.logger.Info("Low confidence respond resolved to escalate",
			zap.String("run_id", in.run.RunID),
			zap.Float64("confidence", result.Decision.Confidence),
			zap.Float64("threshold", in.agent.EscalationThreshold),
		)
		result.Decision.Action = ActionEscalate
		if result.Decision.Reason == "" {
			result.Decision.Reason = "confidence below escalation threshold"
		}
	}

	switch result.Decision.Action {
	case ActionRespond, ActionEscalate, ActionResolve:
		if result.SendMessageCalls == 0 {
			result.NeedsFallbackMessage = true
		}
	}

	if superseded.Load() {
		result.Aborted = true
	}
	return result, nil
}

// pollLiveness checks the supersession slot on a fixed interval for the
// lifetime of the completion call.
func (g *generator) pollLiveness(ctx context.Context, run Input, superseded *atomic.Bool, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, checkCancel := context.WithTimeout(context.Background(), g.pollInterval)
			active, err := g.registry.IsActive(checkCtx, run.ConversationID.String(), run.WorkflowKind, run.RunID)
			checkCancel()
			if err != nil {
				metrics.RegistryPollErrors.Inc()
				g.logger.Warn("Liveness poll failed, continuing run",
					zap.String("run_id", run.RunID),
					zap.Error(err),
				)
				continue
			}
			if !active {
				g.logger.Info("Run superseded during generation, aborting completion",
					zap.String("run_id", run.RunID),
					zap.String("conversation_id", run.ConversationID.String()),
				)
				superseded.Store(true)
				cancel()
				return
			}
		}
	}
}

// applyToolCalls executes the model's tool invocations. Sends are idempotent
// on a run-scoped key so a retried completion cannot double-post. Returns
// true when knowledge results were appended and another round is warranted.
func (g *generator) applyToolCalls(ctx context.Context, in generationInput, calls []llm.ToolCall, result *GenerationResult, messages *[]llm.Message) (bool, error) {
	searched := false
	for _, call := range calls {
		switch call.Name {
		case "send_message":
			if in.mode != policy.ModeRespondToVisitor {
				g.logger.Warn("Model attempted a visible message in background mode, dropped",
					zap.String("run_id", in.run.RunID))
				continue
			}
			text, _ := call.Arguments["text"].(string)
			if strings.TrimSpace(text) == "" {
				continue
			}
			// Key on the run-wide send ordinal, not the position within this
			// round's tool-call batch, so sends in later rounds get fresh keys.
			sent, err := g.store.SendMessage(ctx, db.SendMessageInput{
				ConversationID: in.run.ConversationID,
				AuthorKind:     db.AuthorAIAgent,
				AuthorID:       in.run.AgentID.String(),
				Body:           text,
				IdempotencyKey: fmt.Sprintf("%s:tool:%d", in.run.RunID, result.SendMessageCalls),
			})
			if err != nil {
				return false, fmt.Errorf("send message tool failed: %w", err)
			}
			result.SendMessageCalls++
			if sent.Created {
				metrics.MessagesSent.WithLabelValues("tool").Inc()
				g.notifier.Publish(notify.Event{
					ConversationID: in.run.ConversationID.String(),
					Type:           notify.EventMessageSent,
					RunID:          in.run.RunID,
					AgentID:        in.run.AgentID.String(),
					Payload:        map[string]interface{}{"message_id": sent.MessageID.String()},
				})
			}

		case "search_knowledge":
			if g.searcher == nil {
				continue
			}
			query, _ := call.Arguments["query"].(string)
			if query == "" {
				continue
			}
			snippets, err := g.searcher.Search(ctx, query, 3)
			if err != nil {
				g.logger.Warn("Knowledge search failed, continuing without results",
					zap.String("run_id", in.run.RunID),
					zap.Error(err),
				)
				continue
			}
			*messages = append(*messages, llm.Message{
				Role:    llm.RoleUser,
				Content: formatSnippets(query, snippets),
			})
			searched = true

		default:
			g.logger.Warn("Model called unknown tool",
				zap.String("run_id", in.run.RunID),
				zap.String("tool", call.Name))
		}
	}
	return searched, nil
}

// parseDecision validates the structured output, attempting one repair pass
// with the parse error before degrading to a minimal safe decision.
func (g *generator) parseDecision(ctx context.Context, in generationInput, completion *llm.Completion) (AgentDecision, error) {
	decision, parseErr := decodeDecision(completion.Content)
	if parseErr == nil {
		return decision, nil
	}

	metrics.GenerationRepairs.Inc()
	g.logger.Warn("Decision output failed validation, attempting repair",
		zap.String("run_id", in.run.RunID),
		zap.Error(parseErr),
	)

	repaired, err := g.provider.Complete(ctx, llm.Request{
		System: buildSystemPrompt(in),
		Messages: []llm.Message{
			{Role: llm.RoleAssistant, Content: completion.Content},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Your previous reply could not be parsed: %v. Reply again with ONLY a valid JSON object matching the required schema.", parseErr)},
		},
		ForceJSON: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return AgentDecision{}, err
		}
		g.logger.Warn("Repair attempt failed, using safe minimal decision",
			zap.String("run_id", in.run.RunID),
			zap.Error(err),
		)
		return AgentDecision{Action: ActionRespond}, nil
	}

	decision, parseErr = decodeDecision(repaired.Content)
	if parseErr != nil {
		g.logger.Warn("Repair output still invalid, using safe minimal decision",
			zap.String("run_id", in.run.RunID),
			zap.Error(parseErr),
		)
		return AgentDecision{Action: ActionRespond}, nil
	}
	return decision, nil
}

func decodeDecision(content string) (AgentDecision, error) {
	raw := strings.TrimSpace(content)
	if raw == "" {
		return AgentDecision{}, fmt.Errorf("empty decision output")
	}
	// Models occasionally wrap JSON in a markdown fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var d AgentDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return AgentDecision{}, fmt.Errorf("invalid decision JSON: %w", err)
	}
	if !validActions[d.Action] {
		return AgentDecision{}, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Action == ActionAssign && d.AssigneeID == "" {
		return AgentDecision{}, fmt.Errorf("assign decision missing assignee_id")
	}
	return d, nil
}

func (g *generator) toolsFor(mode policy.Mode) []llm.Tool {
	tools := make([]llm.Tool, 0, 2)
	if mode == policy.ModeRespondToVisitor {
		tools = append(tools, llm.Tool{
			Name:        "send_message",
			Description: "Send a visible chat message to the visitor. Call once per message.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":        "string",
						"description": "The message text shown to the visitor",
					},
				},
				"required": []string{"text"},
			},
		})
	}
	if g.searcher != nil {
		tools = append(tools, llm.Tool{
			Name:        "search_knowledge",
			Description: "Search the workspace help center for relevant articles.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search query",
					},
				},
				"required": []string{"query"},
			},
		})
	}
	return tools
}

func buildSystemPrompt(in generationInput) string {
	var b strings.Builder
	b.WriteString("You are ")
	if in.agent.Name != "" {
		b.WriteString(in.agent.Name)
	} else {
		b.WriteString("a support agent")
	}
	b.WriteString(", an AI support agent handling a live customer conversation.\n")

	if tone, ok := in.agent.Behavior["tone"].(string); ok && tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", tone)
	}
	if inst, ok := in.agent.Behavior["instructions"].(string); ok && inst != "" {
		b.WriteString(inst)
		b.WriteString("\n")
	}

	if in.mode == policy.ModeRespondToVisitor {
		b.WriteString("Use the send_message tool to reply to the visitor.\n")
	} else {
		b.WriteString("Do not message the visitor; this run only updates conversation state.\n")
	}
	if in.humanCommand != "" {
		fmt.Fprintf(&b, "A human teammate gave you this instruction: %s\n", in.humanCommand)
	}

	b.WriteString(`After handling the conversation, reply with ONLY a JSON object:
{"action": "respond"|"escalate"|"resolve"|"skip"|"assign", "reason": string, "confidence": number between 0 and 1, "assignee_id": string (assign only)}`)
	return b.String()
}

func buildPromptMessages(in generationInput) []llm.Message {
	messages := make([]llm.Message, 0, len(in.history))
	for _, m := range in.history {
		if m.Private {
			continue
		}
		role := llm.RoleUser
		content := m.Body
		switch m.AuthorKind {
		case db.AuthorAIAgent:
			role = llm.RoleAssistant
		case db.AuthorHumanAgent:
			content = "[teammate] " + m.Body
		case db.AuthorSystem:
			content = "[system] " + m.Body
		}
		messages = append(messages, llm.Message{Role: role, Content: content})
	}
	return messages
}

func formatSnippets(query string, snippets []KnowledgeSnippet) string {
	if len(snippets) == 0 {
		return fmt.Sprintf("Knowledge search for %q returned no results.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge search results for %q:\n", query)
	for _, s := range snippets {
		fmt.Fprintf(&b, "## %s\n%s\n", s.Title, s.Content)
	}
	return b.String()
}
