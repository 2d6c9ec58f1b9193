package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/tools"
)

func envelope(t *testing.T, content string) map[string]any {
	t.Helper()
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &env))
	return env
}

func TestLoop_MemoryInsertThenReply(t *testing.T) {
	model := newScriptedModel(insertMemory, sendOK)
	h := newHarness(t, model)

	turn, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, 2, model.Calls(), "no model calls after the final reply")
	assert.Equal(t, 2, turn.Iterations())

	rows := h.rows(t, "C1")
	require.Len(t, rows, 3)
	assert.Equal(t, history.RoleAssistant, rows[0].Role)
	assert.Contains(t, rows[0].Content, `"memory_insert"`)
	assert.NotContains(t, rows[0].Content, "r1", "reasoning is not stored")

	assert.Equal(t, history.RoleUser, rows[1].Role)
	env := envelope(t, rows[1].Content)
	assert.Equal(t, "tool_return", env["message_type"])
	assert.Equal(t, "memory_insert", env["tool_type"])
	assert.Equal(t, "Memory stored successfully.", env["content"])

	assert.Equal(t, history.RoleAssistant, rows[2].Role)
	assert.Contains(t, rows[2].Content, `"send_message"`)

	assert.Equal(t, []string{"ok"}, h.surface.Replies())
	assert.Equal(t, []string{"m"}, h.memory.items)
}

func TestLoop_ContextIsSystemThenHistory(t *testing.T) {
	model := newScriptedModel(insertMemory, sendOK)
	h := newHarness(t, model)
	_, err := h.store.Append(context.Background(), "C1", history.Entry{Role: history.RoleUser, Content: "hello", ImageURL: "https://cdn.example/a.png"})
	require.NoError(t, err)

	_, err = h.runTurn(t, "C1")
	require.NoError(t, err)

	first := model.contexts[0]
	require.Len(t, first, 2)
	assert.Equal(t, "system", first[0].Role)
	assert.Equal(t, "system prompt", first[0].Content)
	assert.Equal(t, "hello", first[1].Content)
	assert.Equal(t, "https://cdn.example/a.png", first[1].ImageURL)

	// The second decision sees the first step's rows.
	assert.Len(t, model.contexts[1], 4)
}

func TestLoop_SilentTerminal(t *testing.T) {
	model := newScriptedModel(noTool, sendOK)
	h := newHarness(t, model)

	turn, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, 1, model.Calls())
	assert.Empty(t, h.rows(t, "C1"))
	assert.Empty(t, h.dispatcher.Kinds())
}

func TestLoop_TerminatesAfterSuppliedDecisions(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		decisions := make([]string, 0, n+1)
		for range n {
			decisions = append(decisions, rollDice)
		}
		decisions = append(decisions, sendOK)

		model := newScriptedModel(decisions...)
		h := newHarness(t, model)
		_, err := h.runTurn(t, "C1")
		require.NoError(t, err)
		assert.Equal(t, n+1, model.Calls())
		// Each dice roll adds a decision and a tool_return.
		assert.Len(t, h.rows(t, "C1"), 2*n+1)
	}
}

func TestLoop_ReplyWithContinuation(t *testing.T) {
	model := newScriptedModel(
		`{"reasoning":"a","tool_args":{"tool_type":"send_message","content":"one sec","call_another_tool":true}}`,
		sendOK,
	)
	h := newHarness(t, model)

	_, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, model.Calls())
	assert.Equal(t, []string{"one sec", "ok"}, h.surface.Replies())

	rows := h.rows(t, "C1")
	require.Len(t, rows, 3)
	assert.Equal(t, "Message sent.", envelope(t, rows[1].Content)["content"])
}

func TestLoop_DisabledToolNeverDispatched(t *testing.T) {
	model := newScriptedModel(rollDice, sendOK)
	h := newHarness(t, model, func(c *Config) {
		c.Policy = disabledPolicy{"dice_roll": true}
	})

	_, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, []tools.Kind{tools.KindSendMessage}, h.dispatcher.Kinds())

	rows := h.rows(t, "C1")
	require.Len(t, rows, 3)
	env := envelope(t, rows[1].Content)
	assert.Equal(t, "error_message", env["message_type"])
	assert.Equal(t, "dice_roll", env["tool_type"])
	assert.Equal(t, "Tool is disabled.", env["content"])
}

func TestLoop_UnknownToolIsStepError(t *testing.T) {
	model := newScriptedModel(
		`{"reasoning":"x","tool_args":{"tool_type":"teleport","where":"moon"}}`,
		sendOK,
	)
	h := newHarness(t, model)

	turn, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, turn.Status())

	rows := h.rows(t, "C1")
	require.Len(t, rows, 3)
	env := envelope(t, rows[1].Content)
	assert.Equal(t, "error_message", env["message_type"])
	assert.Equal(t, "Tool not found.", env["content"])
}

func TestLoop_ThinkAlias(t *testing.T) {
	model := newScriptedModel(`{"think":"hmm","tool_args":{"tool_type":"send_message","content":"hi","call_another_tool":false}}`)
	h := newHarness(t, model)

	_, err := h.runTurn(t, "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, h.surface.Replies())
}

func TestLoop_BackendErrorFailsTurn(t *testing.T) {
	h := newHarness(t, failingModel{err: errors.New("connection refused")})

	turn, err := h.runTurn(t, "C1")
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StatusFailed, turn.Status())
	assert.Empty(t, h.rows(t, "C1"))
}

func TestLoop_PersistenceErrorFailsTurn(t *testing.T) {
	model := newScriptedModel(rollDice, sendOK)
	h := newHarness(t, model, func(c *Config) {
		c.History = failingBatchStore{Store: c.History}
	})

	turn, err := h.runTurn(t, "C1")
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "append history", pe.Op)
	assert.Equal(t, StatusFailed, turn.Status())
	assert.Equal(t, 1, model.Calls(), "no further decisions after a failed write")
}

func TestLoop_IterationLimit(t *testing.T) {
	model := &repeatModel{decision: rollDice}
	h := newHarness(t, model, func(c *Config) { c.MaxIterations = 3 })

	turn, err := h.runTurn(t, "C1")
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, StatusFailed, turn.Status())
	assert.Equal(t, 3, model.calls)
	assert.Len(t, h.rows(t, "C1"), 6)
}

func TestLoop_CancelledStepIsNotPersisted(t *testing.T) {
	model := newGatedModel()
	h := newHarness(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	turn := newTurn("C1", cancel)
	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx, turn, h.event("C1")) }()

	<-model.entered
	turn.Cancel()
	model.release <- rollDice

	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, turn.finish(err))
	assert.Empty(t, h.rows(t, "C1"), "history unchanged by the cancelled step")
	assert.Empty(t, h.dispatcher.Kinds())
}

// deadSurface fails every reply, like a disconnected bridge.
type deadSurface struct {
	recordingSurface
	attempts atomic.Int32
}

func (s *deadSurface) Reply(context.Context, string, string) error {
	s.attempts.Add(1)
	return errors.New("bridge connection closed")
}

func TestLoop_FailedFinalReplyEndsTurn(t *testing.T) {
	model := &repeatModel{decision: sendOK}
	h := newHarness(t, model)
	surface := &deadSurface{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn := newTurn("C1", cancel)
	ev := h.event("C1")
	ev.Surface = surface
	err := h.loop.Run(ctx, turn, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, turn.finish(err))

	assert.Equal(t, 1, model.calls)
	assert.Equal(t, int32(1), surface.attempts.Load())
	rows := h.rows(t, "C1")
	require.Len(t, rows, 1)
	assert.Equal(t, history.RoleAssistant, rows[0].Role)
	assert.Contains(t, rows[0].Content, `"send_message"`)
}

func TestLoop_FailedContinuationReplyLoops(t *testing.T) {
	model := newScriptedModel(
		`{"reasoning":"a","tool_args":{"tool_type":"send_message","content":"one sec","call_another_tool":true}}`,
		rollDice,
		sendOK,
	)
	h := newHarness(t, model)
	surface := &deadSurface{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ev := h.event("C1")
	ev.Surface = surface
	require.NoError(t, h.loop.Run(ctx, newTurn("C1", cancel), ev))

	assert.Equal(t, 3, model.Calls())
	rows := h.rows(t, "C1")
	require.Len(t, rows, 5)
	assert.Equal(t, "error_message", envelope(t, rows[1].Content)["message_type"])
}
