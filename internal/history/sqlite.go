package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore keeps history in the messages table of the shared
// database (see package database for the schema).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

// Append adds one message.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, e Entry) (Message, error) {
	msgs, err := s.AppendBatch(ctx, conversationID, []Entry{e})
	if err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// AppendBatch inserts entries in a single transaction.
func (s *SQLiteStore) AppendBatch(ctx context.Context, conversationID string, entries []Entry) ([]Message, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		m := newMessage(conversationID, e)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, image_url, platform_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.ID, conversationID, string(m.Role), m.Content, nullString(m.ImageURL), nullInt(m.PlatformMessageID), m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		if m.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		out = append(out, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Update edits a message in place.
func (s *SQLiteStore) Update(ctx context.Context, conversationID string, platformMessageID int64, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ?
		WHERE conversation_id = ? AND platform_message_id = ?
	`, content, editedAt.UTC(), conversationID, platformMessageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Query returns messages ordered by seq.
func (s *SQLiteStore) Query(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := `
		SELECT seq, id, role, content, image_url, platform_message_id, created_at, edited_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		q = `
		SELECT * FROM (
			SELECT seq, id, role, content, image_url, platform_message_id, created_at, edited_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			role     string
			imageURL sql.NullString
			platform sql.NullInt64
			edited   sql.NullTime
		)
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &imageURL, &platform, &m.CreatedAt, &edited); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Role = Role(role)
		m.ImageURL = imageURL.String
		if platform.Valid {
			id := platform.Int64
			m.PlatformMessageID = &id
		}
		if edited.Valid {
			t := edited.Time
			m.EditedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear deletes the conversation's messages.
func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func newMessage(conversationID string, e Entry) Message {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var id string
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	} else {
		id = uuid.NewString()
	}
	return Message{
		ID:                id,
		ConversationID:    conversationID,
		Role:              e.Role,
		Content:           e.Content,
		ImageURL:          e.ImageURL,
		PlatformMessageID: e.PlatformMessageID,
		CreatedAt:         created.UTC(),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
