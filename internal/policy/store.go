// Package policy persists which channels the bot listens in and which
// tools are disabled per guild. The agent reads it once per step; only
// admin commands change it.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Mode is how the bot treats messages in a channel.
type Mode int

const (
	// ModeMention: respond only when the bot is mentioned. Channels
	// start here.
	ModeMention Mode = iota
	// ModeEnabled: respond to every message.
	ModeEnabled
	// ModeDisabled: ignore every message.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeEnabled:
		return "enabled"
	case ModeDisabled:
		return "disabled"
	default:
		return "mention"
	}
}

// ErrProtectedTool is returned when asked to disable a tool that every
// conversation needs in order to reply at all.
var ErrProtectedTool = errors.New("tool cannot be disabled")

// Store is the SQLite-backed policy store. It shares the database
// opened by package database.
type Store struct {
	db        *sql.DB
	protected map[string]bool
}

// NewStore wraps a migrated database. Tools named in protected can
// never be disabled.
func NewStore(db *sql.DB, protected ...string) *Store {
	p := make(map[string]bool, len(protected))
	for _, name := range protected {
		p[name] = true
	}
	return &Store{db: db, protected: p}
}

// ChannelMode returns the channel's mode. A channel listed as disabled
// is disabled even if it is also listed as enabled.
func (s *Store) ChannelMode(ctx context.Context, channelID string) (Mode, error) {
	var disabled, enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM disabled_channels WHERE channel_id = ?),
			(SELECT COUNT(*) FROM enabled_channels WHERE channel_id = ?)
	`, channelID, channelID).Scan(&disabled, &enabled)
	if err != nil {
		return ModeMention, fmt.Errorf("channel mode %s: %w", channelID, err)
	}
	switch {
	case disabled > 0:
		return ModeDisabled, nil
	case enabled > 0:
		return ModeEnabled, nil
	default:
		return ModeMention, nil
	}
}

// SetChannelMode moves the channel to mode.
func (s *Store) SetChannelMode(ctx context.Context, channelID string, mode Mode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM enabled_channels WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("set channel mode: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM disabled_channels WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("set channel mode: %w", err)
	}
	switch mode {
	case ModeEnabled:
		_, err = tx.ExecContext(ctx, `INSERT INTO enabled_channels (channel_id) VALUES (?)`, channelID)
	case ModeDisabled:
		_, err = tx.ExecContext(ctx, `INSERT INTO disabled_channels (channel_id) VALUES (?)`, channelID)
	}
	if err != nil {
		return fmt.Errorf("set channel mode: %w", err)
	}
	return tx.Commit()
}

// Toggle flips an enabled channel back to mention mode and anything
// else to enabled. It returns the new mode.
func (s *Store) Toggle(ctx context.Context, channelID string) (Mode, error) {
	cur, err := s.ChannelMode(ctx, channelID)
	if err != nil {
		return cur, err
	}
	next := ModeEnabled
	if cur == ModeEnabled {
		next = ModeMention
	}
	if err := s.SetChannelMode(ctx, channelID, next); err != nil {
		return cur, err
	}
	return next, nil
}

// ToolDisabled reports whether tool is disabled in guildID.
func (s *Store) ToolDisabled(ctx context.Context, guildID, tool string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disabled_tools WHERE guild_id = ? AND tool_type = ?`,
		guildID, tool,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("tool disabled %s/%s: %w", guildID, tool, err)
	}
	return n > 0, nil
}

// DisabledTools lists the tools disabled in guildID, sorted.
func (s *Store) DisabledTools(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_type FROM disabled_tools WHERE guild_id = ?`, guildID)
	if err != nil {
		return nil, fmt.Errorf("disabled tools %s: %w", guildID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("disabled tools %s: %w", guildID, err)
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// SetToolEnabled enables or disables tool in guildID. Disabling a
// protected tool fails with ErrProtectedTool.
func (s *Store) SetToolEnabled(ctx context.Context, guildID, tool string, enabled bool) error {
	var err error
	if enabled {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM disabled_tools WHERE guild_id = ? AND tool_type = ?`, guildID, tool)
	} else {
		if s.protected[tool] {
			return fmt.Errorf("%s: %w", tool, ErrProtectedTool)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO disabled_tools (guild_id, tool_type) VALUES (?, ?)`, guildID, tool)
	}
	if err != nil {
		return fmt.Errorf("set tool %s/%s: %w", guildID, tool, err)
	}
	return nil
}
