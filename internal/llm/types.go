package llm

import "context"

// Roles in a chat completion request
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context sent to the provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes one function the model may call
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is one function invocation the model decided to make
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Request is a single completion request with tool definitions
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
	// ForceJSON asks the provider for a JSON object response
	ForceJSON bool
}

// Completion is the provider's answer: free text, tool calls, or both
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	TokensUsed   int
	Model        string
	FinishReason string
}

// Provider issues completion requests. Cancelling the context aborts the
// in-flight call; callers distinguish cancellation from provider faults by
// inspecting ctx.Err().
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
