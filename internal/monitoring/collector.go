// Package monitoring watches connection health, sync runs and enrichment
// attempts, and alerts over a webhook when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/store"
)

// scanLimit caps the rows read per source in one collection.
const scanLimit = 10000

// BrokenConnection identifies a connection in error status.
type BrokenConnection struct {
	ID       string         `json:"id"`
	OrgID    string         `json:"org_id"`
	Provider model.Provider `json:"provider"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Connection health (current, not windowed).
	ConnectionsTotal  int                `json:"connections_total"`
	ConnectionsError  int                `json:"connections_error"`
	BrokenConnections []BrokenConnection `json:"broken_connections,omitempty"`

	// Sync runs within the lookback window.
	SyncRuns        int     `json:"sync_runs"`
	SyncRunsFailed  int     `json:"sync_runs_failed"`
	SyncFailRate    float64 `json:"sync_fail_rate"`
	RecordsSynced   int     `json:"records_synced"`
	RecordErrors    int     `json:"record_errors"`
	RecordErrorRate float64 `json:"record_error_rate"`
	SyncAvgDuration int64   `json:"sync_avg_duration_ms"`

	// Enrichment attempts within the lookback window.
	EnrichAttempts int     `json:"enrich_attempts"`
	EnrichSuccess  int     `json:"enrich_success"`
	EnrichNotFound int     `json:"enrich_not_found"`
	EnrichErrors   int     `json:"enrich_errors"`
	EnrichFailRate float64 `json:"enrich_fail_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the slice of the store the collector reads.
type Source interface {
	ListConnections(ctx context.Context, filter store.ConnectionFilter) ([]model.Connection, error)
	ListSyncRuns(ctx context.Context, filter store.SyncRunFilter) ([]model.SyncRun, error)
	ListEnrichmentAttempts(ctx context.Context, filter store.AttemptFilter) ([]model.EnrichmentAttempt, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	conns, err := c.src.ListConnections(ctx, store.ConnectionFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list connections")
	}
	snap.ConnectionsTotal = len(conns)
	for _, conn := range conns {
		if conn.Status != model.ConnectionError {
			continue
		}
		snap.ConnectionsError++
		snap.BrokenConnections = append(snap.BrokenConnections, BrokenConnection{
			ID: conn.ID, OrgID: conn.OrgID, Provider: conn.Provider,
		})
	}

	runs, err := c.src.ListSyncRuns(ctx, store.SyncRunFilter{Since: cutoff, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync runs")
	}
	var totalDuration int64
	for _, r := range runs {
		snap.SyncRuns++
		if r.FatalError != "" {
			snap.SyncRunsFailed++
		}
		snap.RecordsSynced += r.RecordsSynced
		snap.RecordErrors += r.Errors
		totalDuration += r.DurationMs
	}
	if snap.SyncRuns > 0 {
		snap.SyncFailRate = float64(snap.SyncRunsFailed) / float64(snap.SyncRuns)
		snap.SyncAvgDuration = totalDuration / int64(snap.SyncRuns)
	}
	if records := snap.RecordsSynced + snap.RecordErrors; records > 0 {
		snap.RecordErrorRate = float64(snap.RecordErrors) / float64(records)
	}

	attempts, err := c.src.ListEnrichmentAttempts(ctx, store.AttemptFilter{Since: cutoff, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list enrichment attempts")
	}
	for _, a := range attempts {
		snap.EnrichAttempts++
		switch a.Status {
		case model.AttemptSuccess:
			snap.EnrichSuccess++
		case model.AttemptNotFound:
			snap.EnrichNotFound++
		case model.AttemptError:
			snap.EnrichErrors++
		}
	}
	// Not-found is a definitive answer, not a failure.
	if snap.EnrichAttempts > 0 {
		snap.EnrichFailRate = float64(snap.EnrichErrors) / float64(snap.EnrichAttempts)
	}

	return snap, nil
}
