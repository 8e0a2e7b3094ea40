package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 4)
	defer m.Unsubscribe("conv-1", ch)

	m.Publish(Event{ConversationID: "conv-1", Type: EventTypingStarted, RunID: "run-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventTypingStarted, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestPublishDoesNotCrossConversations(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 4)
	defer m.Unsubscribe("conv-1", ch)

	m.Publish(Event{ConversationID: "conv-2", Type: EventMessageSent})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for other conversation: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)

	m.Publish(Event{ConversationID: "conv-1", Type: EventDecisionMade})
	m.Publish(Event{ConversationID: "conv-1", Type: EventTypingStarted})
	m.Publish(Event{ConversationID: "conv-1", Type: EventTypingStopped})

	all := m.ReplaySince("conv-1", 0)
	require.Len(t, all, 2, "seq 0 is excluded by Seq > since")
	assert.Equal(t, EventTypingStarted, all[0].Type)
	assert.Equal(t, EventTypingStopped, all[1].Type)

	assert.Nil(t, m.ReplaySince("conv-missing", 0))
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 1)
	defer m.Unsubscribe("conv-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(Event{ConversationID: "conv-1", Type: EventMessageSent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	m := NewManager(16)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Publish(Event{ConversationID: "conv-1", Type: EventMessageSent})
				m.ReplaySince("conv-1", 0)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		ch := m.Subscribe("conv-1", 1)
		m.Unsubscribe("conv-1", ch)
	}
	close(stop)
	wg.Wait()
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 1)
	m.Unsubscribe("conv-1", ch)
	m.Unsubscribe("conv-1", ch)
}
