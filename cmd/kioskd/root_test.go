// ABOUTME: Tests for the kioskd command tree
// ABOUTME: Checks subcommand presence, global flags and format validation

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kioskd", cmd.Use)
	assert.Equal(t, version, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "init", "migrate", "status", "sync", "health"}

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
	t.Setenv("KIOSKD_CONFIG", "/etc/kioskd/test.yaml")
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "/etc/kioskd/test.yaml", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	forceFlag := syncCmd.Flags().Lookup("force")
	require.NotNil(t, forceFlag)
	assert.Equal(t, "false", forceFlag.DefValue)
}

func TestInitCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	initCmd, _, err := cmd.Find([]string{"init"})
	require.NoError(t, err)

	forceFlag := initCmd.Flags().Lookup("force")
	require.NotNil(t, forceFlag)
	assert.Equal(t, "f", forceFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--format", "yaml", "--config", t.TempDir() + "/missing.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("KIOSKD_CONFIG", "/tmp/custom.yaml")
		assert.Equal(t, "/tmp/custom.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("KIOSKD_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/home/kiosk/.cfg")
		assert.Equal(t, "/home/kiosk/.cfg/kioskd/kioskd.yaml", getConfigPath())
	})
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/var/lib/xdg")
	assert.Equal(t, "/var/lib/xdg/kioskd", getDataPath())
}
