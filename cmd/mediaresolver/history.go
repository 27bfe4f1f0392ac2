package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mediaresolver/config"
	"mediaresolver/history"
)

var (
	flagLimit     int
	flagOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently resolved media",
	Args:  cobra.NoArgs,
	RunE:  historyRun,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history entries older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  historyPruneRun,
}

func init() {
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Maximum entries to show")
	historyPruneCmd.Flags().DurationVar(&flagOlderThan, "older-than", 30*24*time.Hour, "Delete entries older than this")
	historyCmd.AddCommand(historyPruneCmd)
}

func historyRun(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Recent(cmd.Context(), flagLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No resolutions recorded yet.")
		return nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"When", "Page", "Media", "Kind", "Strategy"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.ResolvedAt.Local().Format("2006-01-02 15:04"),
			truncate(e.PageURL, 48),
			truncate(e.MediaURL, 48),
			e.Kind,
			e.Strategy,
		})
	}
	t.Render()
	return nil
}

func historyPruneRun(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(cmd.Context(), flagOlderThan)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	fmt.Printf("Deleted %d entries.\n", n)
	return nil
}

// effectiveHistoryDSN is the database the CLI commands use: the
// configured DSN when set, otherwise a local file in the XDG data dir.
func effectiveHistoryDSN() (string, error) {
	if cfg.HistoryDSN != "" {
		return cfg.HistoryDSN, nil
	}
	return config.DefaultHistoryPath()
}

func openConfiguredHistory() (*history.Store, error) {
	dsn, err := effectiveHistoryDSN()
	if err != nil {
		return nil, err
	}
	return openHistoryStore(dsn)
}

func openHistoryStore(dsn string) (*history.Store, error) {
	// A local file database may live in a directory that does not exist
	// yet, like the XDG default on a fresh machine.
	if !strings.Contains(dsn, "://") && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	return history.Open(dsn)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
