package agent

import (
	"context"

	"github.com/nugget/parley/internal/prompts"
)

// ChannelProvider renders the system prompt for the channel a turn
// runs in.
type ChannelProvider struct {
	botUserID  string
	serverName string
}

// NewChannelProvider creates a channel prompt provider.
func NewChannelProvider(botUserID, serverName string) *ChannelProvider {
	return &ChannelProvider{botUserID: botUserID, serverName: serverName}
}

// GetContext returns the system prompt. Turns without a channel name
// use the conversation id in its place.
func (p *ChannelProvider) GetContext(_ context.Context, ev Event) (string, error) {
	name := ev.ChannelName
	if name == "" {
		name = ev.ConversationID
	}
	return prompts.System(prompts.Info{
		BotUserID:   p.botUserID,
		ServerName:  p.serverName,
		ChannelName: name,
		ChannelID:   ev.ConversationID,
	}), nil
}

// NoteProvider adds a fixed note to every prompt.
type NoteProvider string

// GetContext returns the note.
func (n NoteProvider) GetContext(context.Context, Event) (string, error) {
	return string(n), nil
}
