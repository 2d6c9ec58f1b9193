// Package llm talks to the language model backends. Every request asks
// for structured output matching a JSON Schema, so a response is always
// a single JSON document in Content.
package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one entry of the model context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ImageURL is an optional image attached to a user message.
	ImageURL string `json:"image_url,omitempty"`
}

// ChatRequest asks a backend for one structured completion.
type ChatRequest struct {
	Model    string
	Messages []Message
	// Schema constrains the output. SchemaName labels it for backends
	// that require a name.
	Schema     *jsonschema.Schema
	SchemaName string
}

// ChatResponse is a completed generation.
type ChatResponse struct {
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Client is implemented by every backend.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
