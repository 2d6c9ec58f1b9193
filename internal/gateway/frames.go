// Package gateway connects chat platform bridges to the agent over a
// WebSocket. A bridge forwards platform events as JSON frames and
// performs the replies, reactions and notices the gateway sends back.
package gateway

import (
	"encoding/json"
	"strings"
	"time"
)

// Frame types.
const (
	// Inbound.
	FrameMessageCreate = "message_create"
	FrameMessageUpdate = "message_update"
	FrameCommand       = "command"

	// Outbound.
	FrameReply         = "reply"
	FrameVoice         = "voice"
	FrameReaction      = "reaction"
	FrameNotice        = "notice"
	FrameCommandResult = "command_result"
	FrameError         = "error"
)

// Frame is the envelope of every message on the socket.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Author of a platform message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Reference is the message a platform message replies to.
type Reference struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// Attachment on a platform message.
type Attachment struct {
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// MessageCreate is a new platform message.
type MessageCreate struct {
	ChannelID   string       `json:"channel_id"`
	ChannelName string       `json:"channel_name,omitempty"`
	GuildID     string       `json:"guild_id,omitempty"`
	MessageID   int64        `json:"message_id"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	MentionsBot bool         `json:"mentions_bot,omitempty"`
	Reference   *Reference   `json:"reference,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// MessageUpdate is an edit of an earlier platform message. It carries
// the whole message as it reads after the edit.
type MessageUpdate struct {
	MessageCreate
	EditedAt time.Time `json:"edited_at"`
}

// CommandUser is the invoker of an admin command.
type CommandUser struct {
	ID             string `json:"id"`
	ManageMessages bool   `json:"manage_messages,omitempty"`
}

// Command is an admin command.
type Command struct {
	RequestID string      `json:"request_id,omitempty"`
	Name      string      `json:"name"`
	ChannelID string      `json:"channel_id"`
	GuildID   string      `json:"guild_id,omitempty"`
	User      CommandUser `json:"user"`
	Tool      string      `json:"tool,omitempty"`
}

// Reply sends text into a channel as a reply to a message.
type Reply struct {
	ChannelID string `json:"channel_id"`
	ReplyTo   int64  `json:"reply_to,omitempty"`
	Content   string `json:"content"`
	// Reasoning is attached only for the developer user.
	Reasoning string `json:"reasoning,omitempty"`
}

// Voice sends a WAV clip. Audio is base64 on the wire.
type Voice struct {
	ChannelID  string `json:"channel_id"`
	ReplyTo    int64  `json:"reply_to,omitempty"`
	Audio      []byte `json:"audio"`
	Filename   string `json:"filename"`
	Transcript string `json:"transcript"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// Reaction adds an emoji to a message.
type Reaction struct {
	ChannelID string `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// CommandResult answers a Command.
type CommandResult struct {
	RequestID string `json:"request_id,omitempty"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// ErrorData reports a frame the gateway could not handle.
type ErrorData struct {
	Message string `json:"message"`
}

func encodeFrame(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: typ, Data: raw})
}

// userMessage is the history envelope of an inbound message.
type userMessage struct {
	MessageType     string  `json:"message_type"`
	UserName        string  `json:"user_name"`
	UserID          string  `json:"user_id"`
	Content         string  `json:"content"`
	ReferenceUserID *string `json:"reference_user_id"`
	Reference       *string `json:"reference"`
	Timestamp       string  `json:"timestamp"`
}

const (
	referencePreview = 30
	emptyContent     = "[EMPTY MESSAGE]"
)

// UserMessageJSON renders m as the user-role history entry the model
// sees. Quoted references are cut to a short preview.
func UserMessageJSON(m MessageCreate) (string, error) {
	content := m.Content
	if content == "" {
		content = emptyContent
	}
	um := userMessage{
		MessageType: "user_message",
		UserName:    m.Author.Name,
		UserID:      m.Author.ID,
		Content:     content,
		Timestamp:   m.Timestamp.UTC().Format("2006-01-02 15:04:05"),
	}
	if m.Reference != nil {
		ref := m.Reference.Content
		if r := []rune(ref); len(r) > referencePreview {
			ref = string(r[:referencePreview]) + "..."
		}
		um.ReferenceUserID = &m.Reference.AuthorID
		um.Reference = &ref
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(um); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
