package tools

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindExecutionFailed  ErrorKind = "execution_failed"
)

// ToolError is returned by Router.Invoke. Its Payload is sent back to the
// model as the tool result so it can correct the call or apologise.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tools: %s %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tools: %s %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Payload renders the error as a tool result.
func (e *ToolError) Payload() json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"error":   string(e.Kind),
		"tool":    e.Tool,
		"message": e.Message,
	})
	return b
}
