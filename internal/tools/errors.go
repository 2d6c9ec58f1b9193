package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Tool-level failures are not turn failures: the loop turns them into
// an error_message outcome and lets the model try again. Their Error
// text is what the model sees, so it stays short.

// ErrToolNotFound is the error for a tool_type outside the known set.
var ErrToolNotFound = errors.New("Tool not found.")

// ErrVoiceFailed is returned when speech synthesis produced no audio.
var ErrVoiceFailed = errors.New("Failed to generate voice.")

// ToolDisabledError means the tool is disabled for the conversation's
// guild. The tool is never dispatched.
type ToolDisabledError struct {
	Tool Kind
}

func (e *ToolDisabledError) Error() string { return "Tool is disabled." }

// ArgumentError means the arguments did not match the tool's schema.
type ArgumentError struct {
	Tool    Kind
	Details []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("Invalid arguments for %s: %s", e.Tool, strings.Join(e.Details, "; "))
}

// ToolExecutionError wraps a failure inside a capability. Error returns
// the underlying message unchanged.
type ToolExecutionError struct {
	Tool Kind
	Err  error
}

func (e *ToolExecutionError) Error() string { return e.Err.Error() }
func (e *ToolExecutionError) Unwrap() error { return e.Err }
