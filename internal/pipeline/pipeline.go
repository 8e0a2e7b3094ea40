// Package pipeline orchestrates one AI agent response run: load context,
// decide, generate with cooperative cancellation, commit effects, clean up.
// Runs for the same conversation and kind race on purpose; the supersession
// registry picks the winner, there is no locking anywhere in this package.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/db"
	"github.com/chatdock/agentd/internal/heartbeat"
	"github.com/chatdock/agentd/internal/llm"
	"github.com/chatdock/agentd/internal/metrics"
	"github.com/chatdock/agentd/internal/notify"
	"github.com/chatdock/agentd/internal/policy"
	"github.com/chatdock/agentd/internal/tracing"
)

const defaultHistoryLimit = 30

// WorkflowKindAgentResponse is the standard workflow for replying to a
// conversation trigger.
const WorkflowKindAgentResponse = "agent_response"

// Options tunes a Runner; zero values get sensible defaults.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HistoryLimit      int
	Searcher          KnowledgeSearcher
}

// Runner executes pipeline runs. Safe for concurrent use; each run is
// independent apart from the shared registry slot.
type Runner struct {
	registry RunRegistry
	store    ConversationStore
	provider llm.Provider
	notifier *notify.Manager
	messages MessageProvider
	logger   *zap.Logger
	opts     Options
}

// NewRunner wires a pipeline runner from its collaborators.
func NewRunner(registry RunRegistry, store ConversationStore, provider llm.Provider, notifier *notify.Manager, messages MessageProvider, logger *zap.Logger, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Runner{
		registry: registry,
		store:    store,
		provider: provider,
		notifier: notifier,
		messages: messages,
		logger:   logger,
		opts:     opts,
	}
}

// Run is the single entry point: registers the run as the active one for its
// slot, walks the stages, and always finishes with followup cleanup.
func (r *Runner) Run(ctx context.Context, in Input) Result {
	started := time.Now()
	if in.WorkflowKind == "" {
		in.WorkflowKind = WorkflowKindAgentResponse
	}
	metrics.PipelineRunsStarted.WithLabelValues(in.WorkflowKind).Inc()

	ctx, span := tracing.StartStageSpan(ctx, "run", in.RunID, in.ConversationID.String())
	defer span.End()

	// Registering before anything else is what supersedes older runs: the
	// write is synchronous, so by the time we proceed every prior run for
	// this slot will fail its next liveness check.
	if err := r.registry.RegisterRun(ctx, in.ConversationID.String(), in.WorkflowKind, in.RunID); err != nil {
		result := Result{Status: StatusError, Reason: "registry unavailable", Err: err}
		result.Metrics.Total = time.Since(started)
		r.followup(in, started, &result)
		return result
	}

	result := r.execute(ctx, in, started)
	result.Metrics.Total = time.Since(started)
	r.followup(in, started, &result)
	return result
}

func (r *Runner) execute(ctx context.Context, in Input, started time.Time) (result Result) {
	var hb *heartbeat.Heartbeat
	defer func() {
		// Final owner of typing cleanup: no exit path may leave the widget
		// stuck on "agent is typing".
		if hb != nil {
			hb.Stop()
		}
		if rec := recover(); rec != nil {
			r.logger.Error("Pipeline run panicked",
				zap.String("run_id", in.RunID),
				zap.Any("panic", rec),
			)
			// Keep whatever stage timings accrued before the fault.
			result = Result{Status: StatusError, Reason: "internal fault", Err: fmt.Errorf("panic: %v", rec), Metrics: result.Metrics}
		}
	}()

	// Intake
	stageStart := time.Now()
	intake, err := r.loadContext(ctx, in)
	result.Metrics.Intake = time.Since(stageStart)
	metrics.RecordStage("intake", result.Metrics.Intake.Seconds())
	if err != nil {
		return Result{Status: StatusError, Reason: "context load failed", Err: err, Metrics: result.Metrics}
	}

	// Decision
	stageStart = time.Now()
	decision := policy.Decide(policy.Input{
		Agent:        intake.agent,
		Conversation: intake.conversation,
		History:      intake.history,
		Trigger:      intake.trigger,
	})
	result.Metrics.Decision = time.Since(stageStart)
	metrics.RecordStage("decision", result.Metrics.Decision.Seconds())
	metrics.DecisionsMade.WithLabelValues(fmt.Sprintf("%t", decision.ShouldAct), string(decision.Mode)).Inc()

	r.notifier.Publish(notify.Event{
		ConversationID: in.ConversationID.String(),
		Type:           notify.EventDecisionMade,
		RunID:          in.RunID,
		AgentID:        in.AgentID.String(),
		Payload: map[string]interface{}{
			"should_act": decision.ShouldAct,
			"mode":       string(decision.Mode),
			"reason":     decision.Reason,
		},
	})

	if !decision.ShouldAct {
		result.Status = StatusSkipped
		result.Reason = decision.Reason
		return result
	}

	// Typing is only meaningful while the model works on a visible reply.
	if decision.Mode == policy.ModeRespondToVisitor {
		hb = heartbeat.New(r.notifier, r.logger, in.ConversationID.String(), in.RunID, in.AgentID.String(), r.opts.HeartbeatInterval)
		hb.Start()
	}

	if stale := r.checkSuperseded(ctx, in, "generation"); stale {
		result.Status = StatusSkipped
		result.Reason = ReasonSuperseded
		return result
	}

	// Generation
	gen := &generator{
		provider:     r.provider,
		registry:     r.registry,
		store:        r.store,
		searcher:     r.opts.Searcher,
		notifier:     r.notifier,
		logger:       r.logger,
		pollInterval: r.opts.PollInterval,
	}
	stageStart = time.Now()
	genResult, err := gen.run(ctx, generationInput{
		run:          in,
		mode:         decision.Mode,
		agent:        intake.agent,
		conversation: intake.conversation,
		history:      intake.history,
		humanCommand: decision.HumanCommand,
	})
	result.Metrics.Generation = time.Since(stageStart)
	metrics.RecordStage("generation", result.Metrics.Generation.Seconds())

	// Generation is the only phase where typing means anything.
	if hb != nil {
		hb.Stop()
	}

	if err != nil {
		return Result{Status: StatusError, Reason: "generation failed", Err: err, Metrics: result.Metrics}
	}
	result.Metrics.TokensUsed = genResult.TokensUsed
	result.Action = genResult.Decision.Action

	if genResult.Aborted {
		metrics.RunsSuperseded.WithLabelValues("generation").Inc()
		result.Status = StatusSkipped
		result.Reason = ReasonInterrupted
		return result
	}

	// Fallback: the model decided on a visible outcome but never spoke.
	if genResult.NeedsFallbackMessage && decision.Mode == policy.ModeRespondToVisitor {
		if stale := r.checkSuperseded(ctx, in, "fallback"); stale {
			result.Status = StatusSkipped
			result.Reason = ReasonSuperseded
			return result
		}
		if err := r.sendFallback(ctx, in, genResult.Decision.Action); err != nil {
			return Result{Status: StatusError, Reason: "fallback send failed", Err: err, Metrics: result.Metrics}
		}
	}

	if stale := r.checkSuperseded(ctx, in, "execution"); stale {
		result.Status = StatusSkipped
		result.Reason = ReasonSuperseded
		return result
	}

	// Execution
	stageStart = time.Now()
	err = executeDecision(ctx, r.store, r.logger, in, genResult.Decision)
	result.Metrics.Execution = time.Since(stageStart)
	metrics.RecordStage("execution", result.Metrics.Execution.Seconds())
	if err != nil {
		return Result{Status: StatusError, Action: result.Action, Reason: "execution failed", Err: err, Metrics: result.Metrics}
	}

	result.Status = StatusCompleted
	result.Reason = genResult.Decision.Reason
	return result
}

type intakeContext struct {
	conversation *db.Conversation
	agent        *db.AgentProfile
	trigger      db.Message
	history      []db.Message
}

// loadContext reads everything the run needs up front. Missing rows are not
// faults: the decision stage turns an empty context into a skip.
func (r *Runner) loadContext(ctx context.Context, in Input) (*intakeContext, error) {
	conversation, err := r.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	agent, err := r.store.GetAgentProfile(ctx, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent profile: %w", err)
	}

	out := &intakeContext{conversation: conversation, agent: agent}

	trigger, err := r.store.GetMessage(ctx, in.TriggerMessageID)
	if err != nil {
		return nil, fmt.Errorf("load trigger message: %w", err)
	}
	if trigger != nil {
		out.trigger = *trigger
	}

	if conversation != nil {
		out.history, err = r.store.ListRecentMessages(ctx, in.ConversationID, r.opts.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}
	return out, nil
}

// checkSuperseded is one registry checkpoint. Read errors count as alive:
// only a definite "someone else owns the slot" stops the run.
func (r *Runner) checkSuperseded(ctx context.Context, in Input, checkpoint string) bool {
	active, err := r.registry.IsActive(ctx, in.ConversationID.String(), in.WorkflowKind, in.RunID)
	if err != nil {
		metrics.RegistryPollErrors.Inc()
		r.logger.Warn("Liveness checkpoint failed, continuing run",
			zap.String("run_id", in.RunID),
			zap.String("checkpoint", checkpoint),
			zap.Error(err),
		)
		return false
	}
	if !active {
		metrics.RunsSuperseded.WithLabelValues(checkpoint).Inc()
		r.logger.Info("Run superseded, stopping before next stage",
			zap.String("run_id", in.RunID),
			zap.String("checkpoint", checkpoint),
		)
		return true
	}
	return false
}

func (r *Runner) sendFallback(ctx context.Context, in Input, action string) error {
	body := r.messages.MessageFor(in.AgentID.String(), action)
	sent, err := r.store.SendMessage(ctx, db.SendMessageInput{
		ConversationID: in.ConversationID,
		AuthorKind:     db.AuthorAIAgent,
		AuthorID:       in.AgentID.String(),
		Body:           body,
		IdempotencyKey: in.RunID + ":fallback",
	})
	if err != nil {
		return err
	}
	metrics.FallbackMessages.WithLabelValues(action).Inc()
	if sent.Created {
		metrics.MessagesSent.WithLabelValues("fallback").Inc()
		r.notifier.Publish(notify.Event{
			ConversationID: in.ConversationID.String(),
			Type:           notify.EventMessageSent,
			RunID:          in.RunID,
			AgentID:        in.AgentID.String(),
			Payload:        map[string]interface{}{"message_id": sent.MessageID.String(), "fallback": true},
		})
	}
	return nil
}

// followup always runs, on completions, skips, and faults alike: persist the
// run record, release the slot if still ours, and emit the terminal event.
// It must never throw past the pipeline boundary.
func (r *Runner) followup(in Input, started time.Time, result *Result) {
	now := time.Now()
	durationMs := now.Sub(started).Milliseconds()

	agentID := in.AgentID
	rec := &db.RunRecord{
		RunID:          in.RunID,
		ConversationID: in.ConversationID,
		WorkflowKind:   in.WorkflowKind,
		AgentID:        &agentID,
		Status:         string(result.Status),
		StartedAt:      started,
		CompletedAt:    &now,
		DurationMs:     &durationMs,
		Metrics: db.JSONB{
			"intake_ms":     result.Metrics.Intake.Milliseconds(),
			"decision_ms":   result.Metrics.Decision.Milliseconds(),
			"generation_ms": result.Metrics.Generation.Milliseconds(),
			"execution_ms":  result.Metrics.Execution.Milliseconds(),
			"tokens_used":   result.Metrics.TokensUsed,
		},
	}
	if result.Action != "" {
		rec.Action = &result.Action
	}
	if result.Reason != "" {
		rec.Reason = &result.Reason
	}
	r.store.QueueRunRecord(rec)

	// Release compares the stored run ID first, so a superseding run's slot
	// is never touched.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := r.registry.Release(releaseCtx, in.ConversationID.String(), in.WorkflowKind, in.RunID); err != nil {
		r.logger.Debug("Slot release failed", zap.String("run_id", in.RunID), zap.Error(err))
	}
	cancel()

	eventType := notify.EventRunCompleted
	switch result.Status {
	case StatusSkipped:
		eventType = notify.EventRunCancelled
	case StatusError:
		eventType = notify.EventRunFailed
	}
	r.notifier.Publish(notify.Event{
		ConversationID: in.ConversationID.String(),
		Type:           eventType,
		RunID:          in.RunID,
		AgentID:        in.AgentID.String(),
		Payload: map[string]interface{}{
			"status":      string(result.Status),
			"action":      result.Action,
			"reason":      result.Reason,
			"duration_ms": durationMs,
		},
	})

	// Completed reasons are model free text; keep them out of label space.
	metricReason := result.Reason
	if result.Status == StatusCompleted {
		metricReason = ""
	}
	metrics.RecordRunCompleted(in.WorkflowKind, string(result.Status), metricReason, now.Sub(started).Seconds())

	log := r.logger.Info
	if result.Status == StatusError {
		log = r.logger.Error
	}
	log("Pipeline run finished",
		zap.String("run_id", in.RunID),
		zap.String("conversation_id", in.ConversationID.String()),
		zap.String("status", string(result.Status)),
		zap.String("action", result.Action),
		zap.String("reason", result.Reason),
		zap.Int64("duration_ms", durationMs),
		zap.Error(result.Err),
	)
}
