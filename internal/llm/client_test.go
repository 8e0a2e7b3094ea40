package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompleteParsesToolCalls(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "{\"action\":\"respond\",\"confidence\":0.9}",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {
							"name": "send_message",
							"arguments": "{\"text\":\"Your order shipped yesterday.\"}"
						}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"total_tokens": 321}
		}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, zap.NewNop())

	completion, err := client.Complete(context.Background(), Request{
		System:   "You are a support agent.",
		Messages: []Message{{Role: RoleUser, Content: "where is my order?"}},
		Tools: []Tool{{
			Name:        "send_message",
			Description: "Send a visible reply to the visitor",
			Parameters:  map[string]interface{}{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, RoleSystem, gotBody.Messages[0].Role)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "send_message", gotBody.Tools[0].Function.Name)

	assert.Equal(t, 321, completion.TokensUsed)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "send_message", completion.ToolCalls[0].Name)
	assert.Equal(t, "Your order shipped yesterday.", completion.ToolCalls[0].Arguments["text"])
}

func TestCompleteDropsUnparseableToolCallArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "send_message", "arguments": "{broken"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"total_tokens": 5}
		}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"}, zap.NewNop())

	completion, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, completion.ToolCalls)
}

func TestCompleteSurfacesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"}, zap.NewNop())

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
}

func TestCompleteBreakerOpensAfterRepeatedServerFaults(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := client.Complete(context.Background(), Request{})
		require.Error(t, err)
	}

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.EqualValues(t, 5, hits.Load(), "an open breaker must fail fast without calling the provider")
}

func TestCompleteAbortsOnContextCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the request so the client finishes writing; only then can a
		// cancel propagate as a closed connection and end this handler.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Complete(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"total_tokens": 0}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m", Timeout: time.Second}, zap.NewNop())

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
