package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/metrics"
	"github.com/chatdock/agentd/internal/pipeline"
	"github.com/chatdock/agentd/internal/ratecontrol"
)

// PipelineRunner starts one agent response run.
type PipelineRunner interface {
	Run(ctx context.Context, in pipeline.Input) pipeline.Result
}

// TriggerHandler accepts trigger messages and schedules pipeline runs.
// Accepting is asynchronous: the caller gets 202 with the run ID and watches
// the stream endpoint for the outcome.
type TriggerHandler struct {
	runner  PipelineRunner
	limiter *ratecontrol.Limiter
	logger  *zap.Logger

	// runTimeout bounds one detached run; generation dominates it.
	runTimeout time.Duration

	wg sync.WaitGroup
}

// NewTriggerHandler creates the trigger ingest handler.
func NewTriggerHandler(runner PipelineRunner, limiter *ratecontrol.Limiter, logger *zap.Logger, runTimeout time.Duration) *TriggerHandler {
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &TriggerHandler{runner: runner, limiter: limiter, logger: logger, runTimeout: runTimeout}
}

// RegisterRoutes registers the trigger endpoint.
func (h *TriggerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/triggers", h.handleTrigger)
}

type triggerRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	MessageID      string `json:"message_id"`
	WorkflowKind   string `json:"workflow_kind,omitempty"`
	RunID          string `json:"run_id,omitempty"`
}

type triggerResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (h *TriggerHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversation_id must be a UUID")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "agent_id must be a UUID")
		return
	}
	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "message_id must be a UUID")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.ConversationID) {
		metrics.TriggersThrottled.Inc()
		writeError(w, http.StatusTooManyRequests, "too many triggers for this conversation")
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	kind := req.WorkflowKind
	if kind == "" {
		kind = pipeline.WorkflowKindAgentResponse
	}

	in := pipeline.Input{
		RunID:            runID,
		WorkflowKind:     kind,
		ConversationID:   conversationID,
		AgentID:          agentID,
		TriggerMessageID: messageID,
	}

	metrics.TriggersAccepted.Inc()
	h.logger.Info("Trigger accepted",
		zap.String("run_id", runID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("workflow_kind", kind),
	)

	// The run outlives this request on purpose; its own timeout is the
	// only bound.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.runTimeout)
		defer cancel()
		h.runner.Run(ctx, in)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(triggerResponse{RunID: runID, Status: "accepted"})
}

// Drain waits for detached runs to finish, up to the context deadline.
func (h *TriggerHandler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
