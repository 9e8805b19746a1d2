package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect sync run history",
	Long:  "Commands for listing, viewing, and summarizing sync runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		connID, _ := cmd.Flags().GetString("connection")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.SyncRunFilter{ConnectionID: connID, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		runs, err := st.ListSyncRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <connection-id>",
	Short: "Show the latest run of a connection with its error details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runs, err := st.ListSyncRuns(ctx, store.SyncRunFilter{ConnectionID: args[0], Limit: 1})
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if len(runs) == 0 {
			return eris.Errorf("runs show: no runs for connection %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs[0])
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.SyncRunFilter{}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := st.ListSyncRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("connection", "", "filter by connection id")
	runsListCmd.Flags().Duration("since", 0, "only runs newer than this (e.g. 24h)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of sync runs.
type runStats struct {
	Total        int
	Clean        int
	WithErrors   int
	Fatal        int
	Records      int
	RecordErrors int
	AvgDurSecs   float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.SyncRun) runStats {
	var s runStats
	s.Total = len(runs)

	var totalMs int64
	for _, r := range runs {
		switch {
		case r.FatalError != "":
			s.Fatal++
		case r.Errors > 0:
			s.WithErrors++
		default:
			s.Clean++
		}
		s.Records += r.RecordsSynced
		s.RecordErrors += r.Errors
		totalMs += r.DurationMs
	}

	if s.Total > 0 {
		s.AvgDurSecs = float64(totalMs) / 1000 / float64(s.Total)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCONNECTION\tSYNCED\tERRORS\tCREATED\tDURATION\tFATAL")
	_, _ = fmt.Fprintln(w, "--\t----------\t------\t------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond).String()

		fatal := r.FatalError
		if len(fatal) > 40 {
			fatal = fatal[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			truncateID(r.ConnectionID),
			r.RecordsSynced,
			r.Errors,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
			fatal,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Clean:\t%d\n", s.Clean)
	_, _ = fmt.Fprintf(w, "With record errors:\t%d\n", s.WithErrors)
	_, _ = fmt.Fprintf(w, "Fatal:\t%d\n", s.Fatal)
	_, _ = fmt.Fprintf(w, "Records synced:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(w, "Record errors:\t%d\n", s.RecordErrors)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
