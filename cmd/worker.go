package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/worker"
)

var workerInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background sync and enrichment work",
	Long: `In temporal mode, hosts the sync and enrichment workflows on the configured task queue.
In local mode, syncs every connection on a fixed interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Worker.Mode == "temporal" {
			return runTemporalWorker(ctx, env)
		}
		return runSweep(ctx, env, workerInterval)
	},
}

func runTemporalWorker(ctx context.Context, env *appEnv) error {
	c, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.NewTemporalWorker(c, cfg.Temporal.TaskQueue, worker.NewActivities(env.Handler), cfg.Worker.Concurrency)
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "start temporal worker")
	}
	zap.L().Info("temporal worker started",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	<-ctx.Done()
	zap.L().Info("stopping temporal worker")
	w.Stop()
	return nil
}

// runSweep syncs every connection now and then once per interval until
// ctx is cancelled.
func runSweep(ctx context.Context, env *appEnv, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("worker: --interval must be positive")
	}
	zap.L().Info("sync sweep started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tasks, err := connectedSyncTasks(ctx, env.Store)
		if err != nil {
			zap.L().Error("sync sweep: list connections", zap.Error(err))
		} else if len(tasks) > 0 {
			failed := worker.RunAll(ctx, env.Handler, tasks, cfg.Worker.Concurrency)
			zap.L().Info("sync sweep complete",
				zap.Int("connections", len(tasks)),
				zap.Int("failed", failed),
			)
		}

		select {
		case <-ctx.Done():
			zap.L().Info("sync sweep stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 15*time.Minute, "sync interval in local mode")
	rootCmd.AddCommand(workerCmd)
}
