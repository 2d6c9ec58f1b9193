package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/policy"
)

func TestHandleMessageCreate_Filters(t *testing.T) {
	tests := []struct {
		name   string
		mode   policy.Mode
		mutate func(*MessageCreate)
		want   bool
	}{
		{name: "mention in default channel", mode: policy.ModeMention, want: true},
		{name: "no mention in default channel", mode: policy.ModeMention, mutate: func(m *MessageCreate) { m.MentionsBot = false }},
		{name: "no mention in enabled channel", mode: policy.ModeEnabled, mutate: func(m *MessageCreate) { m.MentionsBot = false }, want: true},
		{name: "mention in disabled channel", mode: policy.ModeDisabled},
		{name: "bot author", mode: policy.ModeEnabled, mutate: func(m *MessageCreate) { m.Author.Bot = true }},
		{name: "direct message", mode: policy.ModeEnabled, mutate: func(m *MessageCreate) { m.GuildID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.policy.SetChannelMode(ctx, "C1", tt.mode))

			m := message("hi")
			if tt.mutate != nil {
				tt.mutate(&m)
			}
			out := &recordingSender{}
			require.NoError(t, f.gw.HandleMessageCreate(ctx, out, m))

			if tt.want {
				assert.Len(t, f.sched.Submits(), 1)
			} else {
				assert.Empty(t, f.sched.Submits())
			}
			assert.Empty(t, out.Frames())
		})
	}
}

func TestHandleMessageCreate_Event(t *testing.T) {
	f := newFixture(t)
	m := message("")
	m.Attachments = []Attachment{{URL: "https://cdn.example/cat.png", Size: 1024, ContentType: "image/png"}}

	require.NoError(t, f.gw.HandleMessageCreate(context.Background(), &recordingSender{}, m))
	subs := f.sched.Submits()
	require.Len(t, subs, 1)

	ev := subs[0]
	assert.Equal(t, "C1", ev.ConversationID)
	assert.Equal(t, "G1", ev.GuildID)
	assert.Equal(t, "general", ev.ChannelName)
	require.NotNil(t, ev.Inbound)
	assert.Equal(t, history.RoleUser, ev.Inbound.Role)
	assert.Equal(t, "https://cdn.example/cat.png", ev.Inbound.ImageURL)
	require.NotNil(t, ev.Inbound.PlatformMessageID)
	assert.Equal(t, int64(1001), *ev.Inbound.PlatformMessageID)
	assert.Contains(t, ev.Inbound.Content, `"content": "[EMPTY MESSAGE]"`)
	assert.NotNil(t, ev.Surface)
}

func TestHandleMessageCreate_AttachmentNotices(t *testing.T) {
	tests := []struct {
		name string
		att  Attachment
		want string
	}{
		{
			name: "too large",
			att:  Attachment{URL: "u", Size: 20_000_001, ContentType: "image/png"},
			want: "-# File size exceeds 20MB. Please upload a smaller file.",
		},
		{
			name: "not an image",
			att:  Attachment{URL: "u", Size: 10, ContentType: "application/pdf"},
			want: NoticeImagesOnly,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := message("look")
			m.Attachments = []Attachment{tt.att}
			out := &recordingSender{}

			require.NoError(t, f.gw.HandleMessageCreate(context.Background(), out, m))
			assert.Empty(t, f.sched.Submits())

			notices := out.replies(t, FrameNotice)
			require.Len(t, notices, 1)
			assert.Equal(t, tt.want, notices[0].Content)
			assert.Equal(t, int64(1001), notices[0].ReplyTo)
		})
	}
}

func TestHandleMessageCreate_SubmitFailureNotice(t *testing.T) {
	f := newFixture(t)
	f.sched.submitErr = errors.New("store down")
	out := &recordingSender{}

	err := f.gw.HandleMessageCreate(context.Background(), out, message("hi"))
	require.Error(t, err)

	notices := out.replies(t, FrameNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeTurnFailed, notices[0].Content)
}

func TestPersistInbound(t *testing.T) {
	store := history.NewMemStore()
	hook := PersistInbound(store)
	ctx := context.Background()

	require.NoError(t, hook(ctx, agent.Event{ConversationID: "C1"}), "no inbound is a no-op")

	id := int64(7)
	require.NoError(t, hook(ctx, agent.Event{
		ConversationID: "C1",
		Inbound:        &history.Entry{Role: history.RoleUser, Content: "hello", PlatformMessageID: &id},
	}))
	rows, err := store.Query(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0].Content)
}

func TestReportFailures(t *testing.T) {
	report := ReportFailures(nil)
	out := &recordingSender{}
	ev := agent.Event{Surface: &channelSurface{out: out, channelID: "C1", messageID: 5}}

	report(ev, agent.Result{Status: agent.StatusCancelled})
	report(ev, agent.Result{Status: agent.StatusCompleted})
	assert.Empty(t, out.Frames())

	report(ev, agent.Result{Status: agent.StatusFailed, Err: errors.New("boom")})
	notices := out.replies(t, FrameNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeTurnFailed, notices[0].Content)
}

func TestHandleMessageUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := message("first")
	content, err := UserMessageJSON(m)
	require.NoError(t, err)
	id := m.MessageID
	_, err = f.store.Append(ctx, "C1", history.Entry{Role: history.RoleUser, Content: content, PlatformMessageID: &id})
	require.NoError(t, err)

	edited := m
	edited.Content = "second"
	editedAt := time.Date(2024, 5, 1, 12, 31, 0, 0, time.UTC)
	require.NoError(t, f.gw.HandleMessageUpdate(ctx, MessageUpdate{MessageCreate: edited, EditedAt: editedAt}))

	rows, err := f.store.Query(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Content, `"content": "second"`)
	require.NotNil(t, rows[0].EditedAt)
	assert.True(t, editedAt.Equal(*rows[0].EditedAt))

	unknown := m
	unknown.MessageID = 9999
	assert.NoError(t, f.gw.HandleMessageUpdate(ctx, MessageUpdate{MessageCreate: unknown, EditedAt: editedAt}))
}
