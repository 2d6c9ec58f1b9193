package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/policy"
)

var (
	admin   = CommandUser{ID: "mod", ManageMessages: true}
	owner   = CommandUser{ID: "owner"}
	regular = CommandUser{ID: "u1"}
)

func command(name string, user CommandUser) Command {
	return Command{Name: name, ChannelID: "C1", GuildID: "G1", User: user}
}

func TestHandleCommand_Permission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{CommandReset, CommandToggle, CommandEnable, CommandDisable, CommandToolDisable, CommandToolList} {
		assert.Equal(t, msgNoPermission, f.gw.HandleCommand(ctx, command(name, regular)), name)
	}
	assert.Equal(t, msgAIEnabled, f.gw.HandleCommand(ctx, command(CommandEnable, owner)))

	// Status is open to everyone.
	assert.Equal(t, msgStatusEnabled, f.gw.HandleCommand(ctx, command(CommandStatus, regular)))
}

func TestHandleCommand_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Append(ctx, "C1", history.Entry{Role: history.RoleUser, Content: "x"})
	require.NoError(t, err)

	assert.Equal(t, msgHistoryCleared, f.gw.HandleCommand(ctx, command(CommandReset, admin)))
	assert.Equal(t, []string{"C1"}, f.sched.cancels)

	rows, err := f.store.Query(ctx, "C1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestHandleCommand_ResetFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.history = clearFailingStore{Store: f.store}
	assert.Equal(t, msgCommandFailed, f.gw.HandleCommand(context.Background(), command(CommandReset, admin)))
}

func TestHandleCommand_ChannelModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := func(name string) string { return f.gw.HandleCommand(ctx, command(name, admin)) }

	assert.Equal(t, msgStatusMention, run(CommandStatus))

	assert.Equal(t, msgAIEnabled, run(CommandToggle))
	assert.Equal(t, msgStatusEnabled, run(CommandStatus))
	assert.Equal(t, msgAIDisabled, run(CommandToggle))
	assert.Equal(t, msgStatusMention, run(CommandStatus))

	assert.Equal(t, msgAIDisabled, run(CommandDisable))
	assert.Equal(t, msgAlreadyDisabled, run(CommandDisable))
	assert.Equal(t, msgStatusDisabled, run(CommandStatus))

	assert.Equal(t, msgAIEnabled, run(CommandEnable))
	assert.Equal(t, msgAlreadyEnabled, run(CommandEnable))

	mode, err := f.policy.ChannelMode(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, policy.ModeEnabled, mode)
}

func TestHandleCommand_Tools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := func(name, tool string) string {
		c := command(name, admin)
		c.Tool = tool
		return f.gw.HandleCommand(ctx, c)
	}

	assert.Equal(t, msgNoToolsDisabled, run(CommandToolList, ""))
	assert.Equal(t, "-# Tool dice_roll disabled in this server.", run(CommandToolDisable, "dice_roll"))
	assert.Equal(t, "-# Tool generate_image disabled in this server.", run(CommandToolDisable, "generate_image"))
	assert.Equal(t, "-# Disabled tools: dice_roll, generate_image", run(CommandToolList, ""))

	disabled, err := f.policy.ToolDisabled(ctx, "G1", "dice_roll")
	require.NoError(t, err)
	assert.True(t, disabled)

	assert.Equal(t, "-# Tool dice_roll enabled in this server.", run(CommandToolEnable, "dice_roll"))
	assert.Equal(t, "-# Disabled tools: generate_image", run(CommandToolList, ""))

	assert.Equal(t, "-# The send_message tool cannot be disabled.", run(CommandToolDisable, "send_message"))
	assert.Equal(t, "-# Unknown tool: teleport", run(CommandToolDisable, "teleport"))
}

func TestHandleCommand_ToolCommandsNeedGuild(t *testing.T) {
	f := newFixture(t)
	c := command(CommandToolList, admin)
	c.GuildID = ""
	assert.Equal(t, msgGuildOnly, f.gw.HandleCommand(context.Background(), c))
}

func TestHandleCommand_Unknown(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "-# Unknown command: dance", f.gw.HandleCommand(context.Background(), command("dance", admin)))
}
