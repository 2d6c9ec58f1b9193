package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OutcomeKind classifies what the loop does after a dispatch.
type OutcomeKind int

const (
	// OutcomeTerminal ends the turn; nothing is appended.
	OutcomeTerminal OutcomeKind = iota
	// OutcomeContinuation appends a tool_return message and loops.
	OutcomeContinuation
	// OutcomeError appends an error_message and loops.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeTerminal:
		return "terminal"
	case OutcomeContinuation:
		return "continuation"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of dispatching one tool call.
type Outcome struct {
	Kind    OutcomeKind
	Tool    Kind
	Content any
	// Err is set for OutcomeError.
	Err error
}

// Terminal ends the turn after tool.
func Terminal(tool Kind) Outcome {
	return Outcome{Kind: OutcomeTerminal, Tool: tool}
}

// Continue feeds content back to the model as a tool_return.
func Continue(tool Kind, content any) Outcome {
	return Outcome{Kind: OutcomeContinuation, Tool: tool, Content: content}
}

// Failed feeds err back to the model as an error_message.
func Failed(tool Kind, err error) Outcome {
	return Outcome{Kind: OutcomeError, Tool: tool, Content: err.Error(), Err: err}
}

type envelope struct {
	MessageType string `json:"message_type"`
	ToolType    Kind   `json:"tool_type"`
	Content     any    `json:"content"`
}

// Envelope renders the user-role history message for a continuation or
// error outcome. Terminal outcomes have no envelope.
func (o Outcome) Envelope() (string, bool, error) {
	var mt string
	switch o.Kind {
	case OutcomeContinuation:
		mt = "tool_return"
	case OutcomeError:
		mt = "error_message"
	default:
		return "", false, nil
	}
	data, err := marshalIndent(envelope{MessageType: mt, ToolType: o.Tool, Content: o.Content})
	if err != nil {
		return "", false, fmt.Errorf("encode %s outcome: %w", o.Tool, err)
	}
	return data, true, nil
}

// marshalIndent encodes v with four-space indentation and without HTML
// escaping, so replies containing <, > or & are stored as written.
func marshalIndent(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
