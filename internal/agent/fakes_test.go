package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/tools"
)

// scriptedModel returns its decisions in order, then fails.
type scriptedModel struct {
	mu        sync.Mutex
	decisions []string
	calls     int
	contexts  [][]llm.Message
}

func newScriptedModel(decisions ...string) *scriptedModel {
	return &scriptedModel{decisions: decisions}
}

func (m *scriptedModel) Decide(_ context.Context, msgs []llm.Message) (*tools.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = append(m.contexts, msgs)
	if m.calls >= len(m.decisions) {
		m.calls++
		return nil, errors.New("script exhausted")
	}
	raw := m.decisions[m.calls]
	m.calls++
	return tools.ParseDecision([]byte(raw))
}

func (m *scriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// repeatModel returns the same decision forever.
type repeatModel struct {
	decision string
	mu       sync.Mutex
	calls    int
}

func (m *repeatModel) Decide(context.Context, []llm.Message) (*tools.Decision, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return tools.ParseDecision([]byte(m.decision))
}

// gatedModel blocks each call until release yields a decision. It
// ignores cancellation, like a backend call that is already in flight.
type gatedModel struct {
	entered chan struct{}
	release chan string
}

func newGatedModel() *gatedModel {
	return &gatedModel{entered: make(chan struct{}, 16), release: make(chan string)}
}

func (m *gatedModel) Decide(context.Context, []llm.Message) (*tools.Decision, error) {
	m.entered <- struct{}{}
	return tools.ParseDecision([]byte(<-m.release))
}

type failingModel struct{ err error }

func (m failingModel) Decide(context.Context, []llm.Message) (*tools.Decision, error) {
	return nil, m.err
}

// countingDispatcher records calls and delegates to a real dispatcher.
type countingDispatcher struct {
	inner *tools.Dispatcher
	mu    sync.Mutex
	kinds []tools.Kind
}

func (d *countingDispatcher) Dispatch(ctx context.Context, args *tools.ToolArgs, conv tools.Conversation) tools.Outcome {
	d.mu.Lock()
	d.kinds = append(d.kinds, args.Type)
	d.mu.Unlock()
	return d.inner.Dispatch(ctx, args, conv)
}

func (d *countingDispatcher) Kinds() []tools.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tools.Kind(nil), d.kinds...)
}

type memMemory struct {
	mu    sync.Mutex
	items []string
}

func (m *memMemory) Insert(_ context.Context, _, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, text)
	return "Memory stored successfully.", nil
}

func (m *memMemory) Retrieve(context.Context, string, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return "Memory not found.", nil
	}
	return m.items[len(m.items)-1], nil
}

// recordingSurface records side effects.
type recordingSurface struct {
	mu        sync.Mutex
	replies   []string
	announced []tools.Kind
	reactions []string
}

func (s *recordingSurface) Reply(_ context.Context, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, text)
	return nil
}

func (s *recordingSurface) ReplyVoice(_ context.Context, _ []byte, transcript, _ string) error {
	return s.Reply(context.Background(), transcript, "")
}

func (s *recordingSurface) React(_ context.Context, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, emoji)
	return nil
}

func (s *recordingSurface) Announce(_ context.Context, tool tools.Kind, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced = append(s.announced, tool)
	return nil
}

func (s *recordingSurface) Replies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replies...)
}

type disabledPolicy map[string]bool

func (p disabledPolicy) ToolDisabled(_ context.Context, _, tool string) (bool, error) {
	return p[tool], nil
}

// failingBatchStore fails every AppendBatch.
type failingBatchStore struct {
	history.Store
}

func (failingBatchStore) AppendBatch(context.Context, string, []history.Entry) ([]history.Message, error) {
	return nil, errors.New("disk full")
}

// harness wires a loop with in-memory collaborators.
type harness struct {
	store      history.Store
	surface    *recordingSurface
	memory     *memMemory
	dispatcher *countingDispatcher
	loop       *Loop
}

func newHarness(t *testing.T, model ModelClient, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:   history.NewMemStore(),
		surface: &recordingSurface{},
		memory:  &memMemory{},
	}
	h.dispatcher = &countingDispatcher{inner: &tools.Dispatcher{
		Memory: h.memory,
		Roll:   func(int) int { return 4 },
	}}
	cfg := Config{
		History:    h.store,
		Model:      model,
		Dispatcher: h.dispatcher,
		Prompt:     NoteProvider("system prompt"),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.loop = NewLoop(cfg)
	return h
}

func (h *harness) event(conv string) Event {
	return Event{ConversationID: conv, GuildID: "g1", Surface: h.surface}
}

// runTurn runs one turn synchronously.
func (h *harness) runTurn(t *testing.T, conv string) (*Turn, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	turn := newTurn(conv, cancel)
	err := h.loop.Run(ctx, turn, h.event(conv))
	turn.finish(err)
	return turn, err
}

func (h *harness) rows(t *testing.T, conv string) []history.Message {
	t.Helper()
	rows, err := h.store.Query(context.Background(), conv, 0)
	require.NoError(t, err)
	return rows
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

const (
	sendOK       = `{"reasoning":"r2","tool_args":{"tool_type":"send_message","content":"ok","call_another_tool":false}}`
	insertMemory = `{"reasoning":"r1","tool_args":{"tool_type":"memory_insert","memory":"m"}}`
	rollDice     = `{"reasoning":"roll","tool_args":{"tool_type":"dice_roll","sides":6}}`
	noTool       = `{"reasoning":"nothing to say","tool_args":null}`
)
