// Package worker runs sync and enrichment tasks off the caller's path,
// either in an in-process pool or on Temporal.
package worker

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
)

// ErrAlreadyRunning is returned when a task with the same key is already
// queued or running.
var ErrAlreadyRunning = eris.New("worker: task already running")

// TaskKind selects what a Task does.
type TaskKind string

const (
	TaskSync   TaskKind = "sync"
	TaskEnrich TaskKind = "enrich"
)

// Task is one unit of background work.
type Task struct {
	Kind         TaskKind `json:"kind"`
	ConnectionID string   `json:"connection_id,omitempty"`
	LeadID       string   `json:"lead_id,omitempty"`
	Full         bool     `json:"full,omitempty"`
}

// SyncTask returns a task that syncs one connection.
func SyncTask(connectionID string) Task {
	return Task{Kind: TaskSync, ConnectionID: connectionID}
}

// EnrichTask returns a task that enriches one lead, running the person
// stage too when full is set.
func EnrichTask(leadID string, full bool) Task {
	return Task{Kind: TaskEnrich, LeadID: leadID, Full: full}
}

// Key identifies the task for de-duplication. Two tasks with the same key
// never run at the same time.
func (t Task) Key() string {
	switch t.Kind {
	case TaskSync:
		return "sync-" + t.ConnectionID
	case TaskEnrich:
		return "enrich-" + t.LeadID
	default:
		return string(t.Kind)
	}
}

// Validate checks the task carries the id its kind needs.
func (t Task) Validate() error {
	switch t.Kind {
	case TaskSync:
		if t.ConnectionID == "" {
			return eris.New("worker: sync task needs a connection id")
		}
	case TaskEnrich:
		if t.LeadID == "" {
			return eris.New("worker: enrich task needs a lead id")
		}
	default:
		return eris.Errorf("worker: unknown task kind %q", t.Kind)
	}
	return nil
}

func (t Task) String() string {
	if t.Kind == TaskEnrich && t.Full {
		return fmt.Sprintf("%s (full)", t.Key())
	}
	return t.Key()
}

// Dispatcher hands a task to background execution and returns once the
// task is accepted. The task's outcome is logged by the executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Syncer runs a sync pass. *crmsync.Orchestrator satisfies it.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string) (model.SyncReport, error)
}

// Enricher enriches a lead. *enrichment.Service satisfies it.
type Enricher interface {
	EnrichLead(ctx context.Context, leadID string, full bool) (*model.EnrichmentResult, error)
}

// Handler executes tasks synchronously.
type Handler struct {
	syncer   Syncer
	enricher Enricher
}

// NewHandler creates a Handler. Either dependency may be nil when the
// process never runs that kind of task.
func NewHandler(syncer Syncer, enricher Enricher) *Handler {
	return &Handler{syncer: syncer, enricher: enricher}
}

// Run executes task and returns its error.
func (h *Handler) Run(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	switch task.Kind {
	case TaskSync:
		if h.syncer == nil {
			return eris.New("worker: no syncer configured")
		}
		_, err := h.syncer.SyncConnection(ctx, task.ConnectionID)
		return err
	default:
		if h.enricher == nil {
			return eris.New("worker: no enricher configured")
		}
		_, err := h.enricher.EnrichLead(ctx, task.LeadID, task.Full)
		return err
	}
}
