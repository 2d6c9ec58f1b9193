// Package vectormem is guild-scoped long-term memory. Entries are
// embedded on insert and recalled by cosine similarity.
package vectormem

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/embeddings"
)

const (
	// StoredMessage is returned after a successful insert.
	StoredMessage = "Memory stored successfully."
	// NotFoundMessage is returned when a guild has no memories yet.
	NotFoundMessage = "Memory not found."

	timestampLayout = "2006-01-02 15:04:05"
)

// Store persists memories in the memories table.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Store on an already migrated database.
func New(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger, now: time.Now}
}

// Insert stamps text with the current time, embeds it and stores it
// for guildID.
func (s *Store) Insert(ctx context.Context, guildID, text string) (string, error) {
	now := s.now()
	content := text + "\nTIMESTAMP: " + now.Format(timestampLayout)

	emb, err := s.embedder.Generate(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate memory id: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, guild_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), guildID, content, encodeEmbedding(emb), now.UTC())
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	s.logger.Debug("memory stored", "guild_id", guildID, "memory_id", id, "dims", len(emb))
	return StoredMessage, nil
}

// Retrieve returns the stored memory of guildID closest to query, or
// NotFoundMessage when there is none.
func (s *Store) Retrieve(ctx context.Context, guildID, query string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, embedding FROM memories WHERE guild_id = ? ORDER BY created_at`, guildID)
	if err != nil {
		return "", fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var contents []string
	var vectors [][]float32
	for rows.Next() {
		var content string
		var blob []byte
		if err := rows.Scan(&content, &blob); err != nil {
			return "", fmt.Errorf("scan memory: %w", err)
		}
		contents = append(contents, content)
		vectors = append(vectors, decodeEmbedding(blob))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate memories: %w", err)
	}
	if len(contents) == 0 {
		return NotFoundMessage, nil
	}

	q, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	best := embeddings.TopK(q, vectors, 1)
	if len(best) == 0 {
		return NotFoundMessage, nil
	}
	return contents[best[0]], nil
}

// Count returns how many memories guildID has.
func (s *Store) Count(ctx context.Context, guildID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE guild_id = ?`, guildID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
