package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/metrics"
	"github.com/chatdock/agentd/internal/notify"
)

// DefaultInterval keeps the widget's typing indicator alive; widgets expire
// the indicator after a few seconds of silence.
const DefaultInterval = 3 * time.Second

// Heartbeat emits a periodic "agent is typing" signal for one pipeline run.
// Two states, stopped and running. Start and Stop are both idempotent; the
// orchestrator owns final cleanup and must stop the heartbeat on every exit
// path so the widget never shows a stuck indicator.
type Heartbeat struct {
	notifier *notify.Manager
	logger   *zap.Logger
	interval time.Duration

	conversationID string
	runID          string
	agentID        string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a stopped heartbeat for one run
func New(notifier *notify.Manager, logger *zap.Logger, conversationID, runID, agentID string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		notifier:       notifier,
		logger:         logger,
		interval:       interval,
		conversationID: conversationID,
		runID:          runID,
		agentID:        agentID,
	}
}

// Start begins periodic typing emission. No-op if already running.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.done = make(chan struct{})

	metrics.HeartbeatsStarted.Inc()
	metrics.HeartbeatsActive.Inc()

	// First signal goes out immediately so the indicator appears without
	// waiting a full interval.
	h.emit(notify.EventTypingStarted)

	go h.loop(h.stopCh, h.done)

	h.logger.Debug("Typing heartbeat started",
		zap.String("conversation_id", h.conversationID),
		zap.String("run_id", h.runID),
	)
}

// Stop cancels periodic emission and sends one final "typing stopped" signal.
// No-op if already stopped.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.done
	h.mu.Unlock()

	<-done

	metrics.HeartbeatsActive.Dec()
	h.emit(notify.EventTypingStopped)

	h.logger.Debug("Typing heartbeat stopped",
		zap.String("conversation_id", h.conversationID),
		zap.String("run_id", h.runID),
	)
}

// Running reports whether the heartbeat is currently emitting
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) loop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.emit(notify.EventTypingStarted)
		}
	}
}

func (h *Heartbeat) emit(eventType string) {
	h.notifier.Publish(notify.Event{
		ConversationID: h.conversationID,
		Type:           eventType,
		RunID:          h.runID,
		AgentID:        h.agentID,
	})
}
