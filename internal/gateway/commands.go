package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/policy"
	"github.com/nugget/parley/internal/tools"
)

// Admin command names.
const (
	CommandReset       = "reset"
	CommandToggle      = "toggle"
	CommandEnable      = "enable"
	CommandDisable     = "disable"
	CommandStatus      = "status"
	CommandToolEnable  = "tool_enable"
	CommandToolDisable = "tool_disable"
	CommandToolList    = "tool_list"
)

const (
	msgNoPermission    = "-# You do not have permission to use this command!"
	msgHistoryCleared  = "-# Channel history cleared."
	msgAIEnabled       = "-# AI enabled in this channel."
	msgAIDisabled      = "-# AI disabled in this channel."
	msgAlreadyEnabled  = "-# AI is already enabled in this channel."
	msgAlreadyDisabled = "-# AI is already disabled in this channel."
	msgStatusEnabled   = "-# AI is currently enabled in this channel."
	msgStatusMention   = "-# AI is currently set to respond to pings."
	msgStatusDisabled  = "-# AI is currently disabled in this channel."
	msgCommandFailed   = "-# An error occurred while running this command."
	msgUnknownCommand  = "-# Unknown command: %s"
	msgUnknownTool     = "-# Unknown tool: %s"
	msgToolProtected   = "-# The %s tool cannot be disabled."
	msgToolEnabled     = "-# Tool %s enabled in this server."
	msgToolDisabled    = "-# Tool %s disabled in this server."
	msgNoToolsDisabled = "-# No tools are disabled in this server."
	msgToolsDisabled   = "-# Disabled tools: %s"
	msgGuildOnly       = "-# This command only works in a server."
)

// privileged reports whether the invoker may change channel or tool
// settings.
func (g *Gateway) privileged(u CommandUser) bool {
	return u.ManageMessages || (g.opts.OwnerID != "" && u.ID == g.opts.OwnerID)
}

// HandleCommand runs an admin command and returns the text to show the
// invoker.
func (g *Gateway) HandleCommand(ctx context.Context, c Command) string {
	log := g.logger.With("command", c.Name, "channel_id", c.ChannelID, "user_id", c.User.ID)

	switch c.Name {
	case CommandStatus:
		return g.status(ctx, c, log)
	case CommandReset, CommandToggle, CommandEnable, CommandDisable,
		CommandToolEnable, CommandToolDisable, CommandToolList:
	default:
		return fmt.Sprintf(msgUnknownCommand, c.Name)
	}

	if !g.privileged(c.User) {
		return msgNoPermission
	}

	text, err := g.runPrivileged(ctx, c)
	if err != nil {
		log.Error("command failed", "error", err)
		return msgCommandFailed
	}
	log.Info("command handled")
	return text
}

func (g *Gateway) status(ctx context.Context, c Command, log *slog.Logger) string {
	mode, err := g.policy.ChannelMode(ctx, c.ChannelID)
	if err != nil {
		log.Error("command failed", "error", err)
		return msgCommandFailed
	}
	switch mode {
	case policy.ModeEnabled:
		return msgStatusEnabled
	case policy.ModeDisabled:
		return msgStatusDisabled
	default:
		return msgStatusMention
	}
}

func (g *Gateway) runPrivileged(ctx context.Context, c Command) (string, error) {
	switch c.Name {
	case CommandReset:
		// Stop the running turn first so it cannot write after the clear.
		if err := g.sched.Cancel(ctx, c.ChannelID); err != nil {
			return "", fmt.Errorf("cancel turn: %w", err)
		}
		if err := g.history.Clear(ctx, c.ChannelID); err != nil {
			return "", fmt.Errorf("clear history: %w", err)
		}
		return msgHistoryCleared, nil

	case CommandToggle:
		mode, err := g.policy.Toggle(ctx, c.ChannelID)
		if err != nil {
			return "", err
		}
		if mode == policy.ModeEnabled {
			return msgAIEnabled, nil
		}
		return msgAIDisabled, nil

	case CommandEnable, CommandDisable:
		want, already, done := policy.ModeEnabled, msgAlreadyEnabled, msgAIEnabled
		if c.Name == CommandDisable {
			want, already, done = policy.ModeDisabled, msgAlreadyDisabled, msgAIDisabled
		}
		cur, err := g.policy.ChannelMode(ctx, c.ChannelID)
		if err != nil {
			return "", err
		}
		if cur == want {
			return already, nil
		}
		if err := g.policy.SetChannelMode(ctx, c.ChannelID, want); err != nil {
			return "", err
		}
		return done, nil
	}

	// Tool commands are per guild.
	if c.GuildID == "" {
		return msgGuildOnly, nil
	}
	if c.Name == CommandToolList {
		disabled, err := g.policy.DisabledTools(ctx, c.GuildID)
		if err != nil {
			return "", err
		}
		if len(disabled) == 0 {
			return msgNoToolsDisabled, nil
		}
		return fmt.Sprintf(msgToolsDisabled, strings.Join(disabled, ", ")), nil
	}

	kind := tools.Kind(c.Tool)
	if !kind.Valid() {
		return fmt.Sprintf(msgUnknownTool, c.Tool), nil
	}
	enable := c.Name == CommandToolEnable
	err := g.policy.SetToolEnabled(ctx, c.GuildID, c.Tool, enable)
	switch {
	case errors.Is(err, policy.ErrProtectedTool):
		return fmt.Sprintf(msgToolProtected, c.Tool), nil
	case err != nil:
		return "", err
	case enable:
		return fmt.Sprintf(msgToolEnabled, c.Tool), nil
	default:
		return fmt.Sprintf(msgToolDisabled, c.Tool), nil
	}
}
