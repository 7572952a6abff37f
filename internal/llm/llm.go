// Package llm is the chat-completion boundary: a provider-neutral request
// shape, an OpenAI-compatible client and a scripted fake for tests.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrEmptyResponse is returned when the provider answers without choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // tool results
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool is a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Response is the model's answer: text, tool calls, or both.
type Response struct {
	Content          string
	ToolCalls        []ToolCall
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// System, User and Assistant build plain messages.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult answers the tool call id with content.
func ToolResult(callID string, content json.RawMessage) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: string(content)}
}
