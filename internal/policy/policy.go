// Package policy decides whether an AI agent should act on a conversation.
// Decide is a pure function over the run's loaded context: no I/O, no clock,
// no hidden state, so identical inputs always produce identical decisions.
package policy

import (
	"strings"

	"github.com/chatdock/agentd/internal/db"
)

// Mode says whether a run may produce visitor-visible output
type Mode string

const (
	ModeRespondToVisitor Mode = "respond_to_visitor"
	ModeBackgroundOnly   Mode = "background_only"
)

// Input is everything Decide is allowed to look at
type Input struct {
	Agent        *db.AgentProfile
	Conversation *db.Conversation
	History      []db.Message
	Trigger      db.Message
}

// Decision is produced once per run and immutable afterward
type Decision struct {
	ShouldAct        bool
	Mode             Mode
	Reason           string
	HumanCommand     string
	IsEscalated      bool
	EscalationReason string
}

// Decision reasons surfaced in events and run records
const (
	ReasonTriggerNotVisitor  = "trigger not from visitor"
	ReasonAgentInactive      = "agent inactive"
	ReasonConversationClosed = "conversation closed"
	ReasonConversationBlocked = "conversation blocked"
	ReasonContextMissing     = "conversation or agent missing"
	ReasonActing             = "agent will act"
)

// Decide applies the policy rules in priority order.
func Decide(in Input) Decision {
	command := humanCommand(in.Trigger)

	// Rule 1: non-visitor triggers only act on an explicit operator command.
	if in.Trigger.AuthorKind != db.AuthorVisitor && command == "" {
		return Decision{
			ShouldAct: false,
			Mode:      ModeBackgroundOnly,
			Reason:    ReasonTriggerNotVisitor,
		}
	}

	// Rule 2: the agent must be able and allowed to act at all.
	if in.Agent == nil || in.Conversation == nil {
		return Decision{ShouldAct: false, Mode: ModeBackgroundOnly, Reason: ReasonContextMissing}
	}
	if !in.Agent.Active {
		return Decision{ShouldAct: false, Mode: ModeBackgroundOnly, Reason: ReasonAgentInactive}
	}
	switch in.Conversation.Status {
	case db.ConversationResolved:
		return Decision{ShouldAct: false, Mode: ModeBackgroundOnly, Reason: ReasonConversationClosed}
	case db.ConversationBlocked:
		return Decision{ShouldAct: false, Mode: ModeBackgroundOnly, Reason: ReasonConversationBlocked}
	}

	// Rule 3: act. Visible replies unless the trigger is private or the
	// conversation is already in human hands.
	d := Decision{
		ShouldAct:    true,
		Mode:         ModeRespondToVisitor,
		Reason:       ReasonActing,
		HumanCommand: command,
	}
	if in.Trigger.Private || in.Conversation.Escalated {
		d.Mode = ModeBackgroundOnly
	}
	if in.Conversation.Escalated {
		d.IsEscalated = true
		if reason, ok := in.Conversation.Metadata["escalation_reason"].(string); ok {
			d.EscalationReason = reason
		}
	}
	return d
}

// humanCommand extracts an explicit operator instruction from a private
// dashboard note ("/ai resolve", "/ai draft an answer about refunds").
// Only human agents can issue commands, and only privately.
func humanCommand(trigger db.Message) string {
	if trigger.AuthorKind != db.AuthorHumanAgent || !trigger.Private {
		return ""
	}
	body := strings.TrimSpace(trigger.Body)
	if !strings.HasPrefix(body, "/ai") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(body, "/ai"))
}

// FavorEscalation reports whether a respond-vs-escalate tie should resolve to
// escalation. The threshold comes from the agent profile, not from this
// package, so workspaces tune how cautious their agent is.
func FavorEscalation(confidence, threshold float64) bool {
	return confidence < threshold
}
