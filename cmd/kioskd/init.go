// ABOUTME: init command that writes a new kioskd config file interactively
// ABOUTME: Generates the device id and session signing secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/kioskd/internal/config"
)

// NewInitCommand creates the init command.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.ConfigPath); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", opts.ConfigPath)
			}
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts.ConfigPath)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func runInit(in io.Reader, out io.Writer, outputFile string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "kioskd configuration")
	fmt.Fprintln(out, "====================")
	fmt.Fprintln(out)

	hostname, _ := os.Hostname()
	cfg := config.Default()
	cfg.Device.DeviceID = uuid.NewString()
	cfg.Device.DeviceName = prompt(reader, out, "Device name", hostname)
	cfg.Remote.BaseURL = prompt(reader, out, "Backend URL (blank to register later)", "")
	cfg.Database.Path = prompt(reader, out, "Database path", filepath.Join(getDataPath(), "kiosk.db"))
	cfg.Server.HTTPAddr = prompt(reader, out, "Command server address", cfg.Server.HTTPAddr)

	if strings.EqualFold(prompt(reader, out, "Enable fiscal printing? (y/N)", "n"), "y") {
		cfg.Fiscal.Enabled = true
		cfg.Fiscal.BaseURL = prompt(reader, out, "Fiscal service URL", "http://127.0.0.1:8765")
	}
	cfg.Logging.Level = prompt(reader, out, "Log level (debug, info, warn, error)", cfg.Logging.Level)

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	cfg.Device.Secret = secret

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Save(outputFile); err != nil {
		return err
	}

	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Device ID: %s\n", cfg.Device.DeviceID)
	fmt.Fprintln(out, "\nTo start the daemon:")
	fmt.Fprintln(out, "  kioskd serve")

	return nil
}

// generateSecret returns a random session signing secret
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
