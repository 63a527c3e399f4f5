// ABOUTME: serve and sync commands that run the kiosk daemon or a single sync pass
// ABOUTME: Prints the startup banner and hands the signal context to the server

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/kioskd/internal/kiosk"
	"github.com/2389/kioskd/internal/store"
	"github.com/2389/kioskd/internal/syncer"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the kiosk daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cyan := color.New(color.FgCyan)
			cyan.Fprint(out, banner)
			gray := color.New(color.FgHiBlack)
			gray.Fprintf(out, "    version: %s\n\n", version)

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, out)

			green := color.New(color.FgGreen)
			line := func(label, value string) {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "%-10s %s\n", label+":", value)
			}
			line("Config", opts.ConfigPath)
			line("Database", cfg.Database.Path)
			line("HTTP", cfg.Server.HTTPAddr)
			if cfg.Server.GRPCAddr != "" {
				line("gRPC", cfg.Server.GRPCAddr)
			}
			if cfg.Remote.BaseURL != "" {
				line("Backend", cfg.Remote.BaseURL)
			}
			if cfg.Fiscal.Enabled {
				line("Fiscal", cfg.Fiscal.BaseURL)
			}
			fmt.Fprintln(out)

			srv, err := kiosk.NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
}

// NewSyncCommand creates the sync command, which runs one pass and exits.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

			srv, err := kiosk.NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}

			res, syncErr := srv.Service().TriggerSync(cmd.Context(), force)
			if err := srv.Shutdown(cmd.Context()); err != nil {
				logger.Warn("shutdown after sync", "error", err)
			}
			if syncErr != nil {
				return syncErr
			}

			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			renderSyncResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore retry backoff for failed sales")
	return cmd
}

func renderSyncResult(w io.Writer, res *syncer.Result) {
	if res.Skipped {
		color.New(color.FgYellow).Fprintln(w, "sync already in progress")
		return
	}

	heading := color.New(color.FgCyan, color.Bold)
	heading.Fprintln(w, "Pulled")
	for _, name := range []string{store.SyncTypeProducts, store.SyncTypeCustomers, store.SyncTypeUsers, store.SyncTypeConfig} {
		if n, ok := res.Pulled[name]; ok {
			row(w, name, fmt.Sprint(n))
		}
	}

	fmt.Fprintln(w)
	heading.Fprintln(w, "Sales")
	row(w, "pushed", fmt.Sprint(res.Pushed))
	row(w, "failed", countString(res.Failed, color.FgRed))
	row(w, "deferred", fmt.Sprint(res.Deferred))
	row(w, "requeued", fmt.Sprint(res.Requeued))

	if len(res.Errors) > 0 {
		fmt.Fprintln(w)
		color.New(color.FgYellow).Fprintln(w, "Errors")
		fmt.Fprintln(w, "  "+strings.Join(res.Errors, "\n  "))
	}
}
