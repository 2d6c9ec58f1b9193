package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/parley/internal/tools"
)

// decisionSchemaName labels the structured output for OpenAI.
const decisionSchemaName = "reasoning_model"

// Decider asks a model for the next tool decision of a turn.
type Decider struct {
	client Client
	model  string
	logger *slog.Logger
}

// NewDecider returns a Decider that uses model on client.
func NewDecider(client Client, model string, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{client: client, model: model, logger: logger}
}

// Decide sends the context and parses the structured answer.
func (d *Decider) Decide(ctx context.Context, msgs []Message) (*tools.Decision, error) {
	schema, err := tools.DecisionSchema()
	if err != nil {
		return nil, fmt.Errorf("decision schema: %w", err)
	}

	resp, err := d.client.Chat(ctx, ChatRequest{
		Model:      d.model,
		Messages:   msgs,
		Schema:     schema,
		SchemaName: decisionSchemaName,
	})
	if err != nil {
		return nil, err
	}
	if resp.Content == "" {
		return nil, errors.New("empty response from model")
	}

	decision, err := tools.ParseDecision([]byte(resp.Content))
	if err != nil {
		d.logger.Debug("unparseable model output", "model", d.model, "content", resp.Content, "error", err)
		return nil, err
	}

	tool := "none"
	if decision.ToolArgs != nil {
		tool = string(decision.ToolArgs.Type)
	}
	d.logger.Debug("model decision",
		"model", d.model,
		"tool", tool,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", resp.Duration,
	)
	return decision, nil
}
