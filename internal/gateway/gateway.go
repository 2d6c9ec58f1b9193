package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/policy"
)

// Notices sent by the gateway itself.
const (
	NoticeTurnFailed     = "-# An error occurred while processing your message."
	NoticeImagesOnly     = "-# Only image files are supported."
	noticeFileTooLarge   = "-# File size exceeds %dMB. Please upload a smaller file."
	defaultMaxAttachment = 20_000_000
)

// Scheduler starts and cancels turns.
type Scheduler interface {
	Submit(ctx context.Context, conversationID string, ev agent.Event) error
	Cancel(ctx context.Context, conversationID string) error
}

// Policy is the channel and tool policy store.
type Policy interface {
	ChannelMode(ctx context.Context, channelID string) (policy.Mode, error)
	SetChannelMode(ctx context.Context, channelID string, mode policy.Mode) error
	Toggle(ctx context.Context, channelID string) (policy.Mode, error)
	DisabledTools(ctx context.Context, guildID string) ([]string, error)
	SetToolEnabled(ctx context.Context, guildID, tool string, enabled bool) error
}

// Options configures a Gateway.
type Options struct {
	// Token authenticates bridges. Empty disables authentication.
	Token string
	// OwnerID may run admin commands without platform permissions.
	OwnerID string
	// DevUserID sees reasoning and tool announcements.
	DevUserID          string
	MaxAttachmentBytes int64
	Logger             *slog.Logger
	// Bus receives bridge connect and disconnect events. May be nil.
	Bus *events.Bus
}

// Gateway turns bridge frames into turns and admin actions.
type Gateway struct {
	sched   Scheduler
	history history.Store
	policy  Policy
	opts    Options
	logger  *slog.Logger
	queue   *keyedQueue

	connMu sync.Mutex
	conns  map[*bridgeConn]struct{}
}

// New creates a Gateway.
func New(sched Scheduler, store history.Store, pol Policy, opts Options) *Gateway {
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = defaultMaxAttachment
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sched:   sched,
		history: store,
		policy:  pol,
		opts:    opts,
		logger:  logger,
		queue:   newKeyedQueue(),
		conns:   make(map[*bridgeConn]struct{}),
	}
}

// PersistInbound returns a start hook that appends the triggering
// message to history. The scheduler runs it once the previous turn of
// the conversation has exited.
func PersistInbound(store history.Store) agent.StartFunc {
	return func(ctx context.Context, ev agent.Event) error {
		if ev.Inbound == nil {
			return nil
		}
		if _, err := store.Append(ctx, ev.ConversationID, *ev.Inbound); err != nil {
			return &agent.PersistenceError{Op: "append inbound message", Err: err}
		}
		return nil
	}
}

type notifier interface {
	Notice(ctx context.Context, text string) error
}

// ReportFailures returns a reporter that sends the generic failure
// notice for every failed turn. Cancelled turns stay silent.
func ReportFailures(logger *slog.Logger) agent.Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev agent.Event, res agent.Result) {
		if res.Status != agent.StatusFailed {
			return
		}
		n, ok := ev.Surface.(notifier)
		if !ok {
			return
		}
		if err := n.Notice(context.Background(), NoticeTurnFailed); err != nil {
			logger.Warn("failed to send failure notice", "conversation_id", res.ConversationID, "error", err)
		}
	}
}

// HandleMessageCreate applies the channel filters to m and submits a
// turn for it when it passes.
func (g *Gateway) HandleMessageCreate(ctx context.Context, out sender, m MessageCreate) error {
	if m.Author.Bot || m.GuildID == "" {
		return nil
	}
	mode, err := g.policy.ChannelMode(ctx, m.ChannelID)
	if err != nil {
		return fmt.Errorf("read channel mode: %w", err)
	}
	if mode == policy.ModeDisabled {
		return nil
	}
	if !m.MentionsBot && mode != policy.ModeEnabled {
		return nil
	}

	surface := &channelSurface{
		out:       out,
		channelID: m.ChannelID,
		messageID: m.MessageID,
		dev:       g.opts.DevUserID != "" && m.Author.ID == g.opts.DevUserID,
	}

	var imageURL string
	if len(m.Attachments) > 0 {
		a := m.Attachments[0]
		if a.Size > g.opts.MaxAttachmentBytes {
			return surface.Notice(ctx, fmt.Sprintf(noticeFileTooLarge, g.opts.MaxAttachmentBytes/1_000_000))
		}
		if !strings.Contains(a.ContentType, "image/") {
			return surface.Notice(ctx, NoticeImagesOnly)
		}
		imageURL = a.URL
	}

	content, err := UserMessageJSON(m)
	if err != nil {
		return fmt.Errorf("render user message: %w", err)
	}
	msgID := m.MessageID
	ev := agent.Event{
		GuildID:     m.GuildID,
		ChannelName: m.ChannelName,
		Inbound: &history.Entry{
			Role:              history.RoleUser,
			Content:           content,
			ImageURL:          imageURL,
			PlatformMessageID: &msgID,
			CreatedAt:         m.Timestamp,
		},
		Surface: surface,
	}

	if err := g.sched.Submit(ctx, m.ChannelID, ev); err != nil {
		g.logger.Error("failed to start turn", "conversation_id", m.ChannelID, "error", err)
		if nerr := surface.Notice(ctx, NoticeTurnFailed); nerr != nil {
			g.logger.Warn("failed to send failure notice", "conversation_id", m.ChannelID, "error", nerr)
		}
		return err
	}
	return nil
}

// HandleMessageUpdate rewrites the stored copy of an edited message.
// Messages that were never stored are ignored.
func (g *Gateway) HandleMessageUpdate(ctx context.Context, u MessageUpdate) error {
	if u.Author.Bot || u.GuildID == "" {
		return nil
	}
	content, err := UserMessageJSON(u.MessageCreate)
	if err != nil {
		return fmt.Errorf("render user message: %w", err)
	}
	err = g.history.Update(ctx, u.ChannelID, u.MessageID, content, u.EditedAt)
	if errors.Is(err, history.ErrMessageNotFound) {
		g.logger.Debug("edit of unknown message ignored", "conversation_id", u.ChannelID, "message_id", u.MessageID)
		return nil
	}
	return err
}
