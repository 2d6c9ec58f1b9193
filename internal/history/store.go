// Package history stores the per-conversation message log the agent
// builds its model context from. Messages come back in the order they
// were appended; editing a message changes its content in place and
// never moves it.
package history

import (
	"context"
	"errors"
	"time"
)

// Role of a stored message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrMessageNotFound is returned by Update when no message in the
// conversation carries the given platform message id.
var ErrMessageNotFound = errors.New("message not found")

// Entry is a message to append. CreatedAt defaults to now.
type Entry struct {
	Role              Role
	Content           string
	ImageURL          string
	PlatformMessageID *int64
	CreatedAt         time.Time
}

// Message is a stored entry.
type Message struct {
	// Seq is the store-assigned creation sequence. Query orders by it.
	Seq               int64
	ID                string
	ConversationID    string
	Role              Role
	Content           string
	ImageURL          string
	PlatformMessageID *int64
	CreatedAt         time.Time
	EditedAt          *time.Time
}

// Store is an append-only conversation log with in-place edits.
// Implementations are safe for concurrent use.
type Store interface {
	// Append adds one message. The conversation exists implicitly once
	// it has a message.
	Append(ctx context.Context, conversationID string, e Entry) (Message, error)

	// AppendBatch adds all entries atomically and in order.
	AppendBatch(ctx context.Context, conversationID string, entries []Entry) ([]Message, error)

	// Update replaces the content of the message that carries the
	// given platform message id and records editedAt. Position is
	// unchanged.
	Update(ctx context.Context, conversationID string, platformMessageID int64, content string, editedAt time.Time) error

	// Query returns the conversation in creation order. A positive
	// limit keeps only the most recent limit messages.
	Query(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Clear deletes every message of the conversation.
	Clear(ctx context.Context, conversationID string) error
}
