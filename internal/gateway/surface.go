package gateway

import (
	"context"

	"github.com/nugget/parley/internal/tools"
)

// sender writes one outbound frame to a bridge.
type sender interface {
	send(ctx context.Context, typ string, data any) error
}

// channelSurface delivers a turn's side effects into the channel of
// the message that triggered it.
type channelSurface struct {
	out       sender
	channelID string
	messageID int64
	// dev is set when the triggering author is the developer user, who
	// also sees reasoning and tool announcements.
	dev bool
}

var _ tools.Surface = (*channelSurface)(nil)

func (s *channelSurface) reasoning(r string) string {
	if !s.dev {
		return ""
	}
	return truncate(subtext(r))
}

func (s *channelSurface) Reply(ctx context.Context, text, reasoning string) error {
	return s.out.send(ctx, FrameReply, Reply{
		ChannelID: s.channelID,
		ReplyTo:   s.messageID,
		Content:   truncate(text),
		Reasoning: s.reasoning(reasoning),
	})
}

func (s *channelSurface) ReplyVoice(ctx context.Context, audio []byte, transcript, reasoning string) error {
	return s.out.send(ctx, FrameVoice, Voice{
		ChannelID:  s.channelID,
		ReplyTo:    s.messageID,
		Audio:      audio,
		Filename:   "audio.wav",
		Transcript: transcriptText(transcript),
		Reasoning:  s.reasoning(reasoning),
	})
}

func (s *channelSurface) React(ctx context.Context, emoji string) error {
	return s.out.send(ctx, FrameReaction, Reaction{
		ChannelID: s.channelID,
		MessageID: s.messageID,
		Emoji:     emoji,
	})
}

// Announce is shown to the developer user only.
func (s *channelSurface) Announce(ctx context.Context, tool tools.Kind, reasoning string) error {
	if !s.dev {
		return nil
	}
	return s.out.send(ctx, FrameReply, Reply{
		ChannelID: s.channelID,
		ReplyTo:   s.messageID,
		Content:   "-# Calling tool: " + string(tool),
		Reasoning: s.reasoning(reasoning),
	})
}

// Notice sends a gateway message that is not a model reply.
func (s *channelSurface) Notice(ctx context.Context, text string) error {
	return s.out.send(ctx, FrameNotice, Reply{
		ChannelID: s.channelID,
		ReplyTo:   s.messageID,
		Content:   text,
	})
}
