package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"context"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/circuitbreaker"
	"github.com/chatdock/agentd/internal/metrics"
)

// Config holds provider connection settings
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat completions endpoint. Requests go
// through a circuit breaker so a failing provider backs off instead of eating
// the full timeout on every run.
type Client struct {
	config Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates a provider client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	return &Client{
		config: config,
		http:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: config.Timeout}, "llm", "completions", logger),
		logger: logger,
	}
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete issues one completion request. The context is the abort signal:
// cancelling it tears down the HTTP call mid-flight.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	payload := chatRequest{Model: c.config.Model}

	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		payload.Tools = append(payload.Tools, ct)
	}
	if req.ForceJSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	url := c.config.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted by the caller; not a provider fault
			metrics.GenerationRequests.WithLabelValues("aborted").Inc()
			return nil, ctx.Err()
		}
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion request returned HTTP %d: %s", resp.StatusCode, string(detail))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("completion response contained no choices")
	}

	metrics.GenerationRequests.WithLabelValues("ok").Inc()
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	choice := parsed.Choices[0]
	completion := &Completion{
		Content:      choice.Message.Content,
		TokensUsed:   parsed.Usage.TotalTokens,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Warn("Dropping tool call with unparseable arguments",
					zap.String("tool", tc.Function.Name),
					zap.Error(err),
				)
				continue
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return completion, nil
}
