package reasoning

import (
	"context"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolDefinition describes one tool the reasoning service may call.
type ToolDefinition struct {
	Name        string
	Description string
	// InputSchema is the JSON schema of the tool arguments.
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by the reasoning service.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of executing a tool call, fed back on the next
// user turn.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Image is an inline image attached to a user message.
type Image struct {
	// MediaType is the image MIME type (e.g. "image/png").
	MediaType string
	// Data is the base64 encoded payload.
	Data string
}

// Message is one conversation turn.
type Message struct {
	Role string
	Text string
	// Images may accompany a user turn.
	Images []Image
	// ToolCalls echo the assistant's previous tool requests.
	ToolCalls []ToolCall
	// ToolResults carry tool outcomes on a user turn.
	ToolResults []ToolResult
}

// Request is a completion request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Response is a completion response: free text plus zero or more tool calls.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is the interface to the reasoning service.
//
// Implementations are expected to be safe for concurrent use, one in-flight
// request per caller.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
