package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Decision is one structured answer from the model: its reasoning and
// at most one tool call.
type Decision struct {
	Reasoning string
	// ToolArgs is nil when the model chose not to act.
	ToolArgs *ToolArgs
}

// ToolArgs is a tool call as the model wrote it. Raw holds the whole
// tool_args object, tag included, until Call validates it.
type ToolArgs struct {
	Type Kind
	Raw  json.RawMessage
}

// Call validates the arguments against the schema for Type and decodes
// them. An unknown Type yields ErrToolNotFound and a schema mismatch an
// *ArgumentError.
func (a *ToolArgs) Call() (Call, error) {
	d, ok := lookup(a.Type)
	if !ok {
		return nil, ErrToolNotFound
	}
	if err := validateArgs(a.Type, a.Raw); err != nil {
		return nil, err
	}
	call := d.newCall()
	if err := json.Unmarshal(a.Raw, call); err != nil {
		return nil, &ArgumentError{Tool: a.Type, Details: []string{err.Error()}}
	}
	return call, nil
}

type decisionWire struct {
	Reasoning *string         `json:"reasoning"`
	Think     *string         `json:"think"`
	ToolArgs  json.RawMessage `json:"tool_args"`
}

// ParseDecision decodes a model response. It checks the envelope only;
// argument validation waits for dispatch so that a bad call becomes an
// error the model can see.
func ParseDecision(data []byte) (*Decision, error) {
	data = []byte(stripCodeFence(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("decision is not valid JSON")
	}

	c, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	res, err := c.envelope.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate decision: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("decision does not match schema: %s", strings.Join(msgs, "; "))
	}

	var w decisionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	d := &Decision{}
	switch {
	case w.Reasoning != nil:
		d.Reasoning = *w.Reasoning
	case w.Think != nil:
		d.Reasoning = *w.Think
	}

	if len(w.ToolArgs) == 0 || string(w.ToolArgs) == "null" {
		return d, nil
	}
	var tag struct {
		ToolType string `json:"tool_type"`
	}
	if err := json.Unmarshal(w.ToolArgs, &tag); err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	d.ToolArgs = &ToolArgs{Type: Kind(tag.ToolType), Raw: w.ToolArgs}
	return d, nil
}

// StoredJSON is the assistant history row for the decision. Reasoning
// is not stored.
func (d *Decision) StoredJSON() (string, error) {
	var raw json.RawMessage = []byte("null")
	if d.ToolArgs != nil {
		raw = d.ToolArgs.Raw
	}
	out, err := marshalIndent(struct {
		ToolArgs json.RawMessage `json:"tool_args"`
	}{raw})
	if err != nil {
		return "", fmt.Errorf("encode decision: %w", err)
	}
	return out, nil
}

// stripCodeFence removes a ```json fence some models wrap output in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
