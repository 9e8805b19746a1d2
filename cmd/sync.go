package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/crmsync"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/worker"
)

var (
	syncConnectionID string
	syncAll          bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a CRM sync pass",
	Long:  "Pulls contacts, pushes changed leads and pushes sent activities for one connection (--connection) or every connected connection (--all).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (syncConnectionID == "") == !syncAll {
			return eris.New("sync: exactly one of --connection or --all is required")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		if syncConnectionID != "" {
			report, err := env.Sync.SyncConnection(ctx, syncConnectionID)
			if err != nil {
				return eris.Wrap(err, "sync")
			}
			fmt.Fprintln(os.Stdout, crmsync.Summary(report))
			return nil
		}

		tasks, err := connectedSyncTasks(ctx, env.Store)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No connected connections.")
			return nil
		}
		failed := worker.RunAll(ctx, env.Handler, tasks, cfg.Worker.Concurrency)
		zap.L().Info("sync all complete",
			zap.Int("connections", len(tasks)),
			zap.Int("failed", failed),
		)
		if failed > 0 {
			return eris.Errorf("sync: %d of %d connections failed", failed, len(tasks))
		}
		return nil
	},
}

// connectedSyncTasks builds one sync task per connection that is not
// disconnected. Connections left in syncing by a crashed pass are included.
func connectedSyncTasks(ctx context.Context, st store.ConnectionStore) ([]worker.Task, error) {
	conns, err := st.ListConnections(ctx, store.ConnectionFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "list connections")
	}
	tasks := make([]worker.Task, 0, len(conns))
	for _, c := range conns {
		if c.Status == model.ConnectionDisconnected {
			continue
		}
		tasks = append(tasks, worker.SyncTask(c.ID))
	}
	return tasks, nil
}

func init() {
	syncCmd.Flags().StringVar(&syncConnectionID, "connection", "", "connection id to sync")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every connection that is not disconnected")
	rootCmd.AddCommand(syncCmd)
}
