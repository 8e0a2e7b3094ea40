package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/db"
)

// executeDecision applies the decided action as database mutations. Reached
// only after the last supersession checkpoint passed; from here the run
// commits whatever it decided.
func executeDecision(ctx context.Context, store ConversationStore, logger *zap.Logger, in Input, decision AgentDecision) error {
	switch decision.Action {
	case ActionResolve:
		if err := store.UpdateConversationStatus(ctx, in.ConversationID, db.ConversationResolved); err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}
		logger.Info("Conversation resolved",
			zap.String("conversation_id", in.ConversationID.String()),
			zap.String("run_id", in.RunID),
		)

	case ActionEscalate:
		reason := decision.Reason
		if reason == "" {
			reason = "escalated by AI agent"
		}
		if err := store.MarkEscalated(ctx, in.ConversationID, reason); err != nil {
			return fmt.Errorf("escalate conversation: %w", err)
		}
		logger.Info("Conversation escalated to humans",
			zap.String("conversation_id", in.ConversationID.String()),
			zap.String("run_id", in.RunID),
			zap.String("reason", reason),
		)

	case ActionAssign:
		assignee := decision.AssigneeID
		if err := store.AssignConversation(ctx, in.ConversationID, &assignee); err != nil {
			return fmt.Errorf("assign conversation: %w", err)
		}
		logger.Info("Conversation assigned",
			zap.String("conversation_id", in.ConversationID.String()),
			zap.String("assignee_id", assignee),
		)

	case ActionRespond, ActionSkip, "":
		// Messages were already committed by the tool or fallback path.

	default:
		logger.Warn("Unknown action reached execution, ignoring",
			zap.String("action", decision.Action),
			zap.String("run_id", in.RunID),
		)
	}
	return nil
}
