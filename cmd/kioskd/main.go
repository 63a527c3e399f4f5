// ABOUTME: Entry point for kioskd, the offline-first kiosk store and sync daemon
// ABOUTME: Resolves config and data paths and dispatches to the cobra command tree

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _    _           _       _
| | _(_) ___  ___| | ____| |
| |/ / |/ _ \/ __| |/ / _' |
|   <| | (_) \__ \   < (_| |
|_|\_\_|\___/|___/_|\_\__,_|
`

// getConfigPath returns the path to the kioskd config file.
// Priority: KIOSKD_CONFIG env var > XDG_CONFIG_HOME/kioskd/kioskd.yaml > ~/.config/kioskd/kioskd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KIOSKD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "kioskd.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "kioskd", "kioskd.yaml")
}

// getDataPath returns the kioskd data directory.
// Priority: XDG_DATA_HOME/kioskd > ~/.local/share/kioskd
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "kioskd")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
