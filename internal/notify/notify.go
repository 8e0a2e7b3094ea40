package notify

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types consumed by the widget and dashboard. Fire-and-forget: nothing
// in the pipeline reads these back.
const (
	EventDecisionMade  = "decision_made"
	EventTypingStarted = "typing_started"
	EventTypingStopped = "typing_stopped"
	EventMessageSent   = "message_sent"
	EventRunCompleted  = "run_completed"
	EventRunCancelled  = "run_cancelled"
	EventRunFailed     = "run_failed"
)

// Event is one realtime notification scoped to a conversation.
type Event struct {
	ConversationID string                 `json:"conversation_id"`
	Type           string                 `json:"type"`
	RunID          string                 `json:"run_id,omitempty"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Seq            uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in websocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub of conversation events with a short
// per-conversation replay buffer for reconnecting widgets.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a notifier with the given replay capacity per conversation.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a conversation; caller must drain
// and call Unsubscribe.
func (m *Manager) Subscribe(conversationID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[conversationID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[conversationID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(conversationID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[conversationID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, conversationID)
		}
	}
}

// Publish sends an event to all subscribers of the conversation (non-blocking).
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	// Hold the lock across the fan-out so Unsubscribe cannot close a channel
	// mid-send. Sends are non-blocking, so subscribers never stall publishers.
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.ConversationID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.ConversationID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[evt.ConversationID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within capacity).
func (m *Manager) ReplaySince(conversationID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[conversationID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
