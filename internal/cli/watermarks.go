package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/watermark"
)

// WatermarksOptions holds flags for the watermarks command.
type WatermarksOptions struct {
	*RootOptions
	Database string
	Sources  []string
	History  bool
	Limit    int
}

// WatermarkEntry is one committed watermark in command output.
type WatermarkEntry struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	Position string `json:"position"`
}

// HistoryEntry is one commit attempt in command output.
type HistoryEntry struct {
	Seq         int64  `json:"seq"`
	Source      string `json:"source"`
	Position    string `json:"position"`
	Applied     bool   `json:"applied"`
	CommittedAt string `json:"committed_at"`
}

// NewWatermarksCommand creates the watermarks command.
func NewWatermarksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatermarksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "List committed watermarks in a SQLite store",
		Long: `List the committed watermark of every source in a SQLite watermark store,
or with --history the log of commit attempts, oldest first. Attempts that
did not advance the stored watermark are shown as not applied.

Example:
  branchline watermarks --db wm.db
  branchline watermarks --db wm.db --source orders --history --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatermarks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite watermark store (required)")
	cmd.Flags().StringSliceVar(&opts.Sources, "source", nil, "limit output to these sources")
	cmd.Flags().BoolVar(&opts.History, "history", false, "show commit history instead of current watermarks")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum history entries (0 for all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runWatermarks(opts *WatermarksOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// OpenSQLite would create a missing file; a typo should not.
	if _, err := os.Stat(opts.Database); err != nil {
		msg := fmt.Sprintf("database not found: %s", opts.Database)
		_ = formatter.Error(ErrCodeStorage, msg, nil)
		return WrapExitError(ExitCommandError, msg, err)
	}

	st, err := storage.OpenSQLite(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.History {
		return outputHistory(ctx, formatter, st, opts)
	}

	set, err := st.CommittedWatermarks(ctx, opts.Sources...)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read watermarks", err)
	}
	entries := toEntries(set)

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "No committed watermarks")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s\t%s:%s\n", e.Source, e.Kind, e.Position)
	}
	return nil
}

func outputHistory(ctx context.Context, formatter *OutputFormatter, st *storage.SQLite, opts *WatermarksOptions) error {
	sources := opts.Sources
	if len(sources) == 0 {
		sources = []string{""}
	}

	var entries []HistoryEntry
	for _, src := range sources {
		commits, err := st.History(ctx, src, opts.Limit)
		if err != nil {
			_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
			return WrapExitError(ExitFailure, "failed to read history", err)
		}
		for _, c := range commits {
			entries = append(entries, HistoryEntry{
				Seq:         c.Seq,
				Source:      c.Watermark.Source,
				Position:    c.Watermark.Position.String(),
				Applied:     c.Applied,
				CommittedAt: c.CommittedAt.Format(time.RFC3339Nano),
			})
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "No commits recorded")
		return nil
	}
	for _, e := range entries {
		mark := "applied"
		if !e.Applied {
			mark = "stale"
		}
		fmt.Fprintf(formatter.Writer, "#%d\t%s\t%s\t%s\t%s\n", e.Seq, e.CommittedAt, e.Source, e.Position, mark)
	}
	return nil
}

func toEntries(set watermark.Set) []WatermarkEntry {
	entries := make([]WatermarkEntry, 0, len(set))
	for _, wm := range set.Slice() {
		kind, text, err := watermark.Encode(wm.Position)
		if err != nil {
			kind, text = wm.Position.Kind(), wm.Position.String()
		}
		entries = append(entries, WatermarkEntry{Source: wm.Source, Kind: kind, Position: text})
	}
	return entries
}
