package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/policy"
)

// fakeScheduler records submits and cancels.
type fakeScheduler struct {
	mu        sync.Mutex
	submits   []agent.Event
	cancels   []string
	submitErr error
}

func (s *fakeScheduler) Submit(_ context.Context, conv string, ev agent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return s.submitErr
	}
	ev.ConversationID = conv
	s.submits = append(s.submits, ev)
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, conv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, conv)
	return nil
}

func (s *fakeScheduler) Submits() []agent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Event(nil), s.submits...)
}

// sentFrame is one frame captured by recordingSender.
type sentFrame struct {
	Type string
	Data json.RawMessage
}

type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *recordingSender) send(_ context.Context, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{Type: typ, Data: raw})
	return nil
}

func (r *recordingSender) Frames() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.frames...)
}

// replies decodes every captured frame of type typ as a Reply.
func (r *recordingSender) replies(t *testing.T, typ string) []Reply {
	t.Helper()
	var out []Reply
	for _, f := range r.Frames() {
		if f.Type != typ {
			continue
		}
		var rep Reply
		require.NoError(t, json.Unmarshal(f.Data, &rep))
		out = append(out, rep)
	}
	return out
}

// clearFailingStore fails Clear.
type clearFailingStore struct {
	history.Store
}

func (clearFailingStore) Clear(context.Context, string) error { return errors.New("locked") }

type fixture struct {
	gw     *Gateway
	sched  *fakeScheduler
	store  *history.MemStore
	policy *policy.Store
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		sched:  &fakeScheduler{},
		store:  history.NewMemStore(),
		policy: policy.NewStore(db, "send_message"),
	}
	opts := Options{
		OwnerID:   "owner",
		DevUserID: "dev",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.gw = New(f.sched, f.store, f.policy, opts)
	return f
}

func message(content string) MessageCreate {
	return MessageCreate{
		ChannelID:   "C1",
		ChannelName: "general",
		GuildID:     "G1",
		MessageID:   1001,
		Author:      Author{ID: "u1", Name: "alice"},
		Content:     content,
		MentionsBot: true,
		Timestamp:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}
