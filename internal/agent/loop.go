// Package agent drives conversation turns: the scheduler keeps one turn
// per conversation and the loop runs each turn's tool calls to
// completion.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/tools"
)

const (
	defaultMaxIterations = 16
	defaultTurnTimeout   = 5 * time.Minute
)

// ModelClient returns the next decision for a context.
type ModelClient interface {
	Decide(ctx context.Context, msgs []llm.Message) (*tools.Decision, error)
}

// ToolDispatcher executes one tool call.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, args *tools.ToolArgs, conv tools.Conversation) tools.Outcome
}

// ToolPolicy reports whether a tool is disabled in a guild.
type ToolPolicy interface {
	ToolDisabled(ctx context.Context, guildID, tool string) (bool, error)
}

// Config wires a Loop. History, Model, Dispatcher and Prompt are
// required.
type Config struct {
	History    history.Store
	Model      ModelClient
	Dispatcher ToolDispatcher
	// Policy may be nil, in which case every tool is enabled.
	Policy ToolPolicy
	Prompt ContextProvider

	MaxIterations int
	TurnTimeout   time.Duration
	// MessageLimit caps the history sent to the model; zero sends all.
	MessageLimit int

	Logger *slog.Logger
	Bus    *events.Bus
}

// Loop runs turns. It is safe for concurrent use by turns of different
// conversations.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLoop creates a loop, filling in default bounds.
func NewLoop(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/nugget/parley/internal/agent"),
	}
}

// Run executes the turn until a terminal state. A nil error means
// Completed. Cancellation is returned as the context's error.
func (l *Loop) Run(ctx context.Context, turn *Turn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "parley.turn", trace.WithAttributes(
		attribute.String("conversation_id", turn.ConversationID),
		attribute.String("turn_id", turn.ID.String()),
	))
	defer span.End()

	log := l.logger.With("conversation_id", turn.ConversationID, "turn_id", turn.ID)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
	})

	err := l.iterate(ctx, turn, ev, log)
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("iterations", turn.Iterations()))
	return err
}

func (l *Loop) iterate(ctx context.Context, turn *Turn, ev Event, log *slog.Logger) error {
	for iter := 1; ; iter++ {
		if iter > l.cfg.MaxIterations {
			log.Warn("turn exceeded iteration limit", "max_iterations", l.cfg.MaxIterations)
			return ErrIterationLimit
		}
		done, err := l.step(ctx, turn, ev, iter, log)
		if err != nil || done {
			return err
		}
	}
}

// step runs one iteration and reports whether the turn is over.
func (l *Loop) step(ctx context.Context, turn *Turn, ev Event, iter int, log *slog.Logger) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "parley.iteration", trace.WithAttributes(attribute.Int("iteration", iter)))
	defer span.End()

	// Building context.
	if err := ctx.Err(); err != nil {
		return true, err
	}
	msgs, err := l.buildContext(ctx, ev)
	if err != nil {
		return true, err
	}

	// Awaiting decision.
	if err := ctx.Err(); err != nil {
		return true, err
	}
	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
		"iter":            iter,
	})
	start := time.Now()
	decision, err := l.cfg.Model.Decide(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, &BackendError{Err: err}
	}
	turn.setIterations(iter)

	tool := "none"
	if decision.ToolArgs != nil {
		tool = string(decision.ToolArgs.Type)
	}
	span.SetAttributes(attribute.String("tool", tool))
	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
		"iter":            iter,
		"tool":            tool,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})

	if err := ctx.Err(); err != nil {
		return true, err
	}
	if decision.ToolArgs == nil {
		log.Debug("model chose no tool, ending turn silently", "iteration", iter)
		return true, nil
	}

	// Dispatching.
	outcome, err := l.dispatch(ctx, turn, ev, decision)
	if err != nil {
		return true, err
	}
	// A final reply ends the turn even when delivering it failed.
	if outcome.Kind != tools.OutcomeTerminal && isFinalReply(decision, outcome) {
		log.Warn("final reply not delivered, ending turn", "iteration", iter, "error", outcome.Err)
		outcome = tools.Terminal(outcome.Tool)
	}

	// Persisting. A cancelled step leaves history untouched.
	if err := ctx.Err(); err != nil {
		log.Debug("turn cancelled before persisting", "iteration", iter, "tool", tool)
		return true, err
	}
	if err := l.persist(ctx, ev.ConversationID, decision, outcome); err != nil {
		return true, err
	}

	log.Debug("iteration complete", "iteration", iter, "tool", tool, "outcome", outcome.Kind.String())
	return outcome.Kind == tools.OutcomeTerminal, nil
}

// isFinalReply reports whether the decision was a dispatched
// send_message that does not ask for another tool.
func isFinalReply(decision *tools.Decision, outcome tools.Outcome) bool {
	var disabled *tools.ToolDisabledError
	if errors.As(outcome.Err, &disabled) {
		return false
	}
	call, err := decision.ToolArgs.Call()
	if err != nil {
		return false
	}
	return tools.IsFinalReply(call)
}

func (l *Loop) buildContext(ctx context.Context, ev Event) ([]llm.Message, error) {
	system, err := l.cfg.Prompt.GetContext(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("build system prompt: %w", err)
	}
	rows, err := l.cfg.History.Query(ctx, ev.ConversationID, l.cfg.MessageLimit)
	if err != nil {
		return nil, &PersistenceError{Op: "query history", Err: err}
	}

	msgs := make([]llm.Message, 0, len(rows)+1)
	msgs = append(msgs, llm.Message{Role: string(history.RoleSystem), Content: system})
	for _, r := range rows {
		msgs = append(msgs, llm.Message{Role: string(r.Role), Content: r.Content, ImageURL: r.ImageURL})
	}
	return msgs, nil
}

// dispatch applies the guild's tool policy and then runs the tool.
// Only a failed policy read is returned as an error.
func (l *Loop) dispatch(ctx context.Context, turn *Turn, ev Event, decision *tools.Decision) (tools.Outcome, error) {
	kind := decision.ToolArgs.Type

	if l.cfg.Policy != nil && ev.GuildID != "" {
		disabled, err := l.cfg.Policy.ToolDisabled(ctx, ev.GuildID, string(kind))
		if err != nil {
			return tools.Outcome{}, &PersistenceError{Op: "read tool policy", Err: err}
		}
		if disabled {
			return tools.Failed(kind, &tools.ToolDisabledError{Tool: kind}), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return tools.Outcome{}, err
	}
	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
		"tool":            string(kind),
	})
	start := time.Now()
	outcome := l.cfg.Dispatcher.Dispatch(ctx, decision.ToolArgs, tools.Conversation{
		ID:        ev.ConversationID,
		GuildID:   ev.GuildID,
		Reasoning: decision.Reasoning,
		Surface:   ev.Surface,
	})
	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
		"tool":            string(kind),
		"outcome":         outcome.Kind.String(),
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return outcome, nil
}

// persist writes the decision and its outcome envelope in one batch.
func (l *Loop) persist(ctx context.Context, conversationID string, decision *tools.Decision, outcome tools.Outcome) error {
	stored, err := decision.StoredJSON()
	if err != nil {
		return &PersistenceError{Op: "encode decision", Err: err}
	}
	entries := []history.Entry{{Role: history.RoleAssistant, Content: stored}}

	env, ok, err := outcome.Envelope()
	if err != nil {
		return &PersistenceError{Op: "encode outcome", Err: err}
	}
	if ok {
		entries = append(entries, history.Entry{Role: history.RoleUser, Content: env})
	}

	if _, err := l.cfg.History.AppendBatch(ctx, conversationID, entries); err != nil {
		return &PersistenceError{Op: "append history", Err: err}
	}
	return nil
}
