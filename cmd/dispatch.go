package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/worker"
)

// temporalLogger routes Temporal SDK logs through the global zap logger.
type temporalLogger struct {
	s *zap.SugaredLogger
}

func newTemporalLogger() temporalLogger {
	return temporalLogger{s: zap.L().Named("temporal").Sugar()}
}

func (l temporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l temporalLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l temporalLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l temporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    newTemporalLogger(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

// initDispatcher returns the dispatcher for worker.mode. In local mode an
// in-process pool is started under ctx. The returned func releases it.
func initDispatcher(ctx context.Context, env *appEnv) (worker.Dispatcher, func(), error) {
	switch cfg.Worker.Mode {
	case "temporal":
		c, err := dialTemporal()
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("dispatching to temporal",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		return worker.NewTemporalDispatcher(c, cfg.Temporal.TaskQueue), c.Close, nil
	default:
		pool := worker.NewPool(env.Handler, cfg.Worker.Concurrency)
		pool.Start(ctx)
		return pool, func() { _ = pool.Close() }, nil
	}
}
