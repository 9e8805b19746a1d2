package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	tworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
)

// Activity timeouts. A sync pass bounds itself well inside syncTimeout.
const (
	syncTimeout   = 30 * time.Minute
	enrichTimeout = 10 * time.Minute
)

// Activities are the Temporal activities backing the workflows.
type Activities struct {
	handler *Handler
}

// NewActivities creates Activities over handler.
func NewActivities(handler *Handler) *Activities {
	return &Activities{handler: handler}
}

// SyncConnection runs one sync pass.
func (a *Activities) SyncConnection(ctx context.Context, connectionID string) (model.SyncReport, error) {
	if a.handler.syncer == nil {
		return model.NewSyncReport(), eris.New("worker: no syncer configured")
	}
	return a.handler.syncer.SyncConnection(ctx, connectionID)
}

// EnrichLead enriches one lead.
func (a *Activities) EnrichLead(ctx context.Context, leadID string, full bool) (*model.EnrichmentResult, error) {
	if a.handler.enricher == nil {
		return nil, eris.New("worker: no enricher configured")
	}
	return a.handler.enricher.EnrichLead(ctx, leadID, full)
}

// Neither activity is retried by Temporal: the sync pass reports
// per-record failures itself and enrichment retries internally.
func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// SyncConnectionWorkflow runs one sync pass for a connection.
func SyncConnectionWorkflow(ctx workflow.Context, connectionID string) (model.SyncReport, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(syncTimeout))
	var a *Activities
	var report model.SyncReport
	err := workflow.ExecuteActivity(ctx, a.SyncConnection, connectionID).Get(ctx, &report)
	if err != nil {
		return report, err
	}
	workflow.GetLogger(ctx).Info("sync workflow complete",
		"connection_id", connectionID,
		"push_synced", report.Push.Synced,
		"push_errors", report.Push.Errors,
	)
	return report, nil
}

// EnrichLeadWorkflow enriches one lead.
func EnrichLeadWorkflow(ctx workflow.Context, leadID string, full bool) (*model.EnrichmentResult, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(enrichTimeout))
	var a *Activities
	var result model.EnrichmentResult
	if err := workflow.ExecuteActivity(ctx, a.EnrichLead, leadID, full).Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Register adds the workflows and activities to a Temporal worker.
func Register(w tworker.Registry, acts *Activities) {
	w.RegisterWorkflow(SyncConnectionWorkflow)
	w.RegisterWorkflow(EnrichLeadWorkflow)
	w.RegisterActivity(acts)
}

// NewTemporalWorker creates a Temporal worker on taskQueue with the
// workflows and activities registered.
func NewTemporalWorker(c client.Client, taskQueue string, acts *Activities, concurrency int) tworker.Worker {
	w := tworker.New(c, taskQueue, tworker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	Register(w, acts)
	return w
}

// workflowStarter is the slice of client.Client the dispatcher uses.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalDispatcher starts one workflow per task. Workflow ids are the
// task keys, so a second start for a running task is rejected.
type TemporalDispatcher struct {
	client    workflowStarter
	taskQueue string
}

// NewTemporalDispatcher creates a TemporalDispatcher. c is usually a
// client.Client.
func NewTemporalDispatcher(c workflowStarter, taskQueue string) *TemporalDispatcher {
	return &TemporalDispatcher{client: c, taskQueue: taskQueue}
}

// Dispatch starts the workflow for task.
func (d *TemporalDispatcher) Dispatch(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:                                       task.Key(),
		TaskQueue:                                d.taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	var (
		run client.WorkflowRun
		err error
	)
	switch task.Kind {
	case TaskSync:
		run, err = d.client.ExecuteWorkflow(ctx, opts, SyncConnectionWorkflow, task.ConnectionID)
	default:
		run, err = d.client.ExecuteWorkflow(ctx, opts, EnrichLeadWorkflow, task.LeadID, task.Full)
	}
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return eris.Wrapf(ErrAlreadyRunning, "worker: %s", task.Key())
		}
		return eris.Wrapf(err, "worker: start workflow %s", task.Key())
	}
	zap.L().Info("worker: workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}
