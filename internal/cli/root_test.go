package cli

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "threadkeep", cmd.Use)
	assert.Equal(t, ir.Version, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"thread", "create"}, {"thread", "append"}, {"thread", "events"}, {"thread", "list"}, {"thread", "archive"},
		{"checkpoint", "create"}, {"checkpoint", "approve"}, {"checkpoint", "reject"},
		{"checkpoint", "pending"}, {"checkpoint", "sweep"},
		{"audit", "query"},
		{"cold", "list"}, {"cold", "verify"}, {"cold", "access"}, {"cold", "log"},
		{"session", "run"}, {"session", "context"},
		{"serve"},
		{"scenario", "run"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	actorType := cmd.PersistentFlags().Lookup("actor-type")
	require.NotNil(t, actorType)
	assert.Equal(t, "human", actorType.DefValue)

	for _, name := range []string{"config", "db", "identity", "actor", "role"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestCheckpointRejectRequiresReason(t *testing.T) {
	cmd := NewRootCommand()
	reject, _, err := cmd.Find([]string{"checkpoint", "reject"})
	require.NoError(t, err)

	reason := reject.Flags().Lookup("reason")
	require.NotNil(t, reason)
	assert.Equal(t, []string{"true"}, reason.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestScenarioRunFlags(t *testing.T) {
	cmd := NewRootCommand()
	run, _, err := cmd.Find([]string{"scenario", "run"})
	require.NoError(t, err)

	update := run.Flags().Lookup("update")
	require.NotNil(t, update)
	assert.Equal(t, "false", update.DefValue)
	assert.NotNil(t, run.Flags().Lookup("filter"))
	assert.NotNil(t, run.Flags().Lookup("golden"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "thread", "list", "--identity", "user:alice"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestPrincipal(t *testing.T) {
	t.Run("actor defaults to identity", func(t *testing.T) {
		opts := &RootOptions{Identity: "user:alice", ActorType: "human"}
		p, err := opts.Principal()
		require.NoError(t, err)
		assert.Equal(t, "user:alice", p.ActorID)
		assert.Equal(t, ir.ActorHuman, p.ActorType)
	})

	t.Run("agent with role", func(t *testing.T) {
		opts := &RootOptions{Identity: "user:alice", Actor: "bot-1", ActorType: "agent", Roles: []string{ir.RoleApprover}}
		p, err := opts.Principal()
		require.NoError(t, err)
		assert.Equal(t, "bot-1", p.ActorID)
		assert.True(t, p.HasRole(ir.RoleApprover))
	})

	t.Run("missing identity", func(t *testing.T) {
		opts := &RootOptions{ActorType: "human"}
		_, err := opts.Principal()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("unknown actor type", func(t *testing.T) {
		opts := &RootOptions{Identity: "user:alice", ActorType: "robot"}
		_, err := opts.Principal()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}
