// ABOUTME: Tests for the interactive init command
// ABOUTME: Feeds prompt answers through stdin and loads the written config back

package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kioskd/internal/config"
)

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "conf", "kioskd.yaml")
	dbPath := filepath.Join(dir, "data", "kiosk.db")

	answers := strings.Join([]string{
		"Front counter",
		"https://erp.example.com",
		dbPath,
		"127.0.0.1:9090",
		"y",
		"http://127.0.0.1:8765",
		"debug",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out, cfgPath))
	assert.Contains(t, out.String(), "Config written to "+cfgPath)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Front counter", cfg.Device.DeviceName)
	assert.NotEmpty(t, cfg.Device.DeviceID)
	assert.GreaterOrEqual(t, len(cfg.Device.Secret), config.MinSecretLength)
	assert.Equal(t, "https://erp.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.True(t, cfg.Fiscal.Enabled)
	assert.Equal(t, "http://127.0.0.1:8765", cfg.Fiscal.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, config.DefaultSyncInterval, cfg.Sync.Interval)

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(filepath.Dir(dbPath))
	assert.NoError(t, err, "data directory should be created")
}

func TestRunInit_DefaultsOnEOF(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "share"))
	cfgPath := filepath.Join(dir, "kioskd.yaml")

	require.NoError(t, runInit(strings.NewReader(""), &bytes.Buffer{}, cfgPath))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.Remote.BaseURL)
	assert.False(t, cfg.Fiscal.Enabled)
	assert.Equal(t, filepath.Join(dir, "share", "kioskd", "kiosk.db"), cfg.Database.Path)
	assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
}

func TestRunInit_RejectsBadBackendURL(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kioskd.yaml")
	answers := "kiosk\nftp://erp.example.com\n" + filepath.Join(dir, "kiosk.db") + "\n\nn\n\n"

	err := runInit(strings.NewReader(answers), &bytes.Buffer{}, cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.base_url")

	_, statErr := os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestInitCommand_RefusesOverwrite(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "kioskd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("device: {}\n"), 0600))

	cmd := NewRootCommand()
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"init", "--config", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	reader := bufio.NewReader(strings.NewReader("  value  \n\n"))

	assert.Equal(t, "value", prompt(reader, &out, "Name", "default"))
	assert.Equal(t, "default", prompt(reader, &out, "Name", "default"))
	assert.Equal(t, "fallback", prompt(reader, &out, "Name", "fallback"))
	assert.Contains(t, out.String(), "Name [default]: ")
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(a), config.MinSecretLength)
	assert.NotEqual(t, a, b)
}
