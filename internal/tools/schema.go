package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

const (
	reasoningDescription = "Detailed and long step-by-step reasoning. Do not include the output here."
	toolArgsDescription  = "For tool calls, choose the appropriate tool and provide the necessary arguments here. If no tool is needed, set this to `null`."
)

type compiled struct {
	args      map[Kind]*jsonschema.Schema
	validator map[Kind]*gojsonschema.Schema
	envelope  *gojsonschema.Schema
	decision  *jsonschema.Schema
}

var (
	schemaOnce sync.Once
	schemas    *compiled
	schemaErr  error
)

func loadSchemas() (*compiled, error) {
	schemaOnce.Do(func() {
		schemas, schemaErr = compileSchemas()
	})
	return schemas, schemaErr
}

func compileSchemas() (*compiled, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}

	c := &compiled{
		args:      make(map[Kind]*jsonschema.Schema, len(definitions)),
		validator: make(map[Kind]*gojsonschema.Schema, len(definitions)),
	}

	variants := make([]*jsonschema.Schema, 0, len(definitions)+1)
	for _, d := range definitions {
		reflected := r.Reflect(d.newCall())
		reflected.Version = ""
		reflected.ID = ""

		// Arguments as the dispatcher validates them, without the tag.
		c.args[d.kind] = reflected
		v, err := compileValidator(reflected)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", d.kind, err)
		}
		c.validator[d.kind] = v

		variants = append(variants, tagged(d, reflected))
	}
	variants = append(variants, &jsonschema.Schema{Type: "null"})

	props := jsonschema.NewProperties()
	props.Set("reasoning", &jsonschema.Schema{Type: "string", Description: reasoningDescription})
	props.Set("tool_args", &jsonschema.Schema{AnyOf: variants, Description: toolArgsDescription})
	c.decision = &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             []string{"reasoning", "tool_args"},
		AdditionalProperties: jsonschema.FalseSchema,
	}

	env, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	c.envelope = env
	return c, nil
}

// tagged returns the model-facing variant: the argument schema with a
// leading tool_type property pinned to the tool's tag.
func tagged(d definition, args *jsonschema.Schema) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("tool_type", &jsonschema.Schema{Type: "string", Enum: []any{string(d.kind)}})
	for pair := args.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props.Set(pair.Key, pair.Value)
	}
	return &jsonschema.Schema{
		Type:                 "object",
		Title:                d.name,
		Description:          d.description,
		Properties:           props,
		Required:             append([]string{"tool_type"}, args.Required...),
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

func compileValidator(s *jsonschema.Schema) (*gojsonschema.Schema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
}

// envelopeSchema checks only the outer shape of a decision. Arguments
// are checked per tool at dispatch, so an unknown tool_type still parses
// and becomes an error outcome instead of a failed turn.
var envelopeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning": map[string]any{"type": "string"},
		"think":     map[string]any{"type": "string"},
		"tool_args": map[string]any{
			"anyOf": []any{
				map[string]any{"type": "null"},
				map[string]any{
					"type":       "object",
					"required":   []any{"tool_type"},
					"properties": map[string]any{"tool_type": map[string]any{"type": "string"}},
				},
			},
		},
	},
}

// DecisionSchema returns the JSON Schema of the structured decision the
// model must produce. Backends pass it as their structured output
// format.
func DecisionSchema() (*jsonschema.Schema, error) {
	c, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return c.decision, nil
}

// validateArgs checks raw arguments (tool_type included) against the
// schema of kind.
func validateArgs(kind Kind, raw json.RawMessage) error {
	c, err := loadSchemas()
	if err != nil {
		return err
	}
	v, ok := c.validator[kind]
	if !ok {
		return ErrToolNotFound
	}

	// The argument schemas forbid extra properties, so drop the tag
	// before validating.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &ArgumentError{Tool: kind, Details: []string{err.Error()}}
	}
	delete(fields, "tool_type")

	res, err := v.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return &ArgumentError{Tool: kind, Details: []string{err.Error()}}
	}
	if !res.Valid() {
		details := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			details = append(details, e.String())
		}
		return &ArgumentError{Tool: kind, Details: details}
	}
	return nil
}

// Catalog renders the tool list embedded in the system prompt.
func Catalog() string {
	c, err := loadSchemas()
	if err != nil {
		return ""
	}

	blocks := make([]string, 0, len(definitions))
	for _, d := range definitions {
		sections := []string{
			"TOOL_TYPE: " + string(d.kind),
			"DESCRIPTION: " + d.description,
			"TOOL_ARGUMENTS",
		}
		s := c.args[d.kind]
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			var b strings.Builder
			fmt.Fprintf(&b, "    FIELD: %s\n", pair.Key)
			fmt.Fprintf(&b, "    TYPE: %s\n", pair.Value.Type)
			desc := pair.Value.Description
			if desc == "" {
				desc = "No description available"
			}
			fmt.Fprintf(&b, "    DESCRIPTION: %s\n", desc)
			sections = append(sections, b.String())
		}
		blocks = append(blocks, strings.Join(sections, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}
