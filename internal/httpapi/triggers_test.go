package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatdock/agentd/internal/pipeline"
	"github.com/chatdock/agentd/internal/ratecontrol"
)

type recordingRunner struct {
	mu     sync.Mutex
	inputs []pipeline.Input
	done   chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan struct{}, 16)}
}

func (r *recordingRunner) Run(_ context.Context, in pipeline.Input) pipeline.Result {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	r.done <- struct{}{}
	return pipeline.Result{Status: pipeline.StatusCompleted}
}

func triggerBody(convID, agentID, msgID string) string {
	return fmt.Sprintf(`{"conversation_id":%q,"agent_id":%q,"message_id":%q}`, convID, agentID, msgID)
}

func TestTriggerAcceptedStartsRun(t *testing.T) {
	runner := newRecordingRunner()
	h := NewTriggerHandler(runner, nil, zaptest.NewLogger(t), time.Minute)

	convID := uuid.New().String()
	req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(triggerBody(convID, uuid.New().String(), uuid.New().String())))
	rec := httptest.NewRecorder()
	h.handleTrigger(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.RunID)

	select {
	case <-runner.done:
	case <-time.After(time.Second):
		t.Fatal("run never started")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.inputs, 1)
	assert.Equal(t, resp.RunID, runner.inputs[0].RunID)
	assert.Equal(t, convID, runner.inputs[0].ConversationID.String())
	assert.Equal(t, pipeline.WorkflowKindAgentResponse, runner.inputs[0].WorkflowKind)
}

func TestTriggerRejectsBadUUIDs(t *testing.T) {
	runner := newRecordingRunner()
	h := NewTriggerHandler(runner, nil, zaptest.NewLogger(t), time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(triggerBody("not-a-uuid", uuid.New().String(), uuid.New().String())))
	rec := httptest.NewRecorder()
	h.handleTrigger(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRejectsWrongMethod(t *testing.T) {
	h := NewTriggerHandler(newRecordingRunner(), nil, zaptest.NewLogger(t), time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/v1/triggers", nil)
	rec := httptest.NewRecorder()
	h.handleTrigger(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTriggerThrottledPerConversation(t *testing.T) {
	runner := newRecordingRunner()
	limiter := ratecontrol.NewLimiter(0.01, 1)
	h := NewTriggerHandler(runner, limiter, zaptest.NewLogger(t), time.Minute)

	convID := uuid.New().String()
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
			strings.NewReader(triggerBody(convID, uuid.New().String(), uuid.New().String())))
		rec := httptest.NewRecorder()
		h.handleTrigger(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestHealthz(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsFailedDependency(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t), map[string]Pinger{
		"redis":    func(ctx context.Context) error { return nil },
		"postgres": func(ctx context.Context) error { return fmt.Errorf("connection refused") },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.handleReadyz(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var results map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Equal(t, "ok", results["redis"])
	assert.Contains(t, results["postgres"], "connection refused")
}
