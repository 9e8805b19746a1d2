package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadsync/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate health alerts once",
	Long:  "Collects connection, sync and enrichment metrics over the lookback window, prints triggered alerts and delivers them to the configured webhook.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		alerts, err := checker.CheckOnce(ctx)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts.")
			return nil
		}
		formatAlerts(os.Stdout, alerts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// formatAlerts writes a tabular list of alerts to w.
func formatAlerts(out io.Writer, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tSEVERITY\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.Type, a.Severity, a.Message)
	}
	_ = w.Flush()
}
