// ABOUTME: migrate, status and health commands for inspecting a kiosk install
// ABOUTME: Opens the local store directly or probes the running daemon over HTTP

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/kioskd/internal/config"
	"github.com/2389/kioskd/internal/store"
)

// openStore opens and migrates the configured database
func openStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg, setupLogger(cfg.Logging, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer s.Close()

			degraded := s.Degraded()
			if len(degraded) > 0 {
				for _, id := range degraded {
					color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "not applied: %s\n", id)
				}
				return fmt.Errorf("%d migrations could not be applied", len(degraded))
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// statusReport is the json form of the status command
type statusReport struct {
	Statistics *store.Statistics     `json:"statistics"`
	Sync       []*store.SyncMetadata `json:"sync"`
	Degraded   []string              `json:"degraded_migrations"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached data, queued sales and sync bookkeeping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg, setupLogger(cfg.Logging, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := collectStatus(cmd.Context(), s)
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func collectStatus(ctx context.Context, s store.Store) (*statusReport, error) {
	stats, err := s.GetStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading statistics: %w", err)
	}
	metadata, err := s.GetSyncMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading sync metadata: %w", err)
	}
	degraded := s.Degraded()
	if degraded == nil {
		degraded = []string{}
	}
	return &statusReport{Statistics: stats, Sync: metadata, Degraded: degraded}, nil
}

func renderStatus(w io.Writer, r *statusReport) {
	heading := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	heading.Fprintln(w, "Local data")
	row(w, "products", strconv.Itoa(r.Statistics.Products))
	row(w, "customers", strconv.Itoa(r.Statistics.Customers))
	row(w, "users", strconv.Itoa(r.Statistics.Users))
	if r.Statistics.HasFiscalConfig {
		row(w, "fiscal", "configured")
	} else {
		row(w, "fiscal", gray.Sprint("not configured"))
	}

	fmt.Fprintln(w)
	heading.Fprintln(w, "Sales")
	row(w, "queued", strconv.Itoa(r.Statistics.QueuedSales))
	row(w, "synced", strconv.Itoa(r.Statistics.SyncedSales))
	row(w, "failed", countString(r.Statistics.FailedSales, color.FgRed))

	fmt.Fprintln(w)
	heading.Fprintln(w, "Sync")
	for _, md := range r.Sync {
		if md.LastSyncAt == nil {
			row(w, md.SyncType, gray.Sprint("never"))
			continue
		}
		status := md.LastSyncStatus
		if status == store.SyncStatusError {
			status = color.RedString(status)
		}
		row(w, md.SyncType, fmt.Sprintf("%s  %s  %d records",
			md.LastSyncAt.UTC().Format(time.DateTime), status, md.RecordsSynced))
	}

	if len(r.Degraded) > 0 {
		fmt.Fprintln(w)
		color.New(color.FgYellow).Fprintln(w, "Unapplied migrations")
		for _, id := range r.Degraded {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	}
}

func row(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-11s %s\n", label, value)
}

// countString colors a nonzero count
func countString(n int, attr color.Attribute) string {
	if n == 0 {
		return "0"
	}
	return color.New(attr).Sprint(n)
}

// NewHealthCommand creates the health command, which probes a running daemon.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the running daemon's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return checkHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr)
		},
	}
}

func checkHealth(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status     string `json:"status"`
		Configured bool   `json:"configured"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d (%s)", resp.StatusCode, body.Status)
	}

	fmt.Fprintln(out, body.Status)
	if !body.Configured {
		color.New(color.FgYellow).Fprintln(out, "device not registered")
	}
	return nil
}
