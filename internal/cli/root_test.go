package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "telefender", cmd.Use)
	assert.Contains(t, cmd.Long, "change log")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"setup", "sync", "upload", "download", "execute", "tablesync", "record", "status", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
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

	for _, name := range []string{"config", "db"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestSetupCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	setupCmd, _, err := cmd.Find([]string{"setup"})
	require.NoError(t, err)

	require.NotNil(t, setupCmd.Flags().Lookup("instance"))
	require.NotNil(t, setupCmd.Flags().Lookup("otp"))
}

func TestUploadCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	uploadCmd, _, err := cmd.Find([]string{"upload"})
	require.NoError(t, err)

	streamFlag := uploadCmd.Flags().Lookup("stream")
	require.NotNil(t, streamFlag)
	assert.Equal(t, "", streamFlag.DefValue)
}

func TestRecordCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	recordCmd, _, err := cmd.Find([]string{"record"})
	require.NoError(t, err)

	for _, name := range []string{"instance", "cid", "number", "old-number", "parent", "counter", "degree", "trust", "blocked", "apply"} {
		assert.NotNil(t, recordCmd.Flags().Lookup(name), name)
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeInvalidArgs, GetErrCode(err))
}
