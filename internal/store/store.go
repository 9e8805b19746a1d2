// Package store persists connections, leads, activities, cross-references
// and the append-only sync and enrichment logs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
)

// ErrNotFound is returned by Get* methods when the row does not exist.
var ErrNotFound = eris.New("store: record not found")

// Sealer encrypts credential bundles before they reach the database.
// *secure.Box satisfies it.
type Sealer interface {
	SealJSON(v any, additional []byte) ([]byte, error)
	OpenJSON(sealed, additional []byte, v any) error
}

// ConnectionFilter specifies criteria for listing connections.
type ConnectionFilter struct {
	OrgID    string                 `json:"org_id,omitempty"`
	Provider model.Provider         `json:"provider,omitempty"`
	Status   model.ConnectionStatus `json:"status,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// SyncRunFilter specifies criteria for listing sync runs.
type SyncRunFilter struct {
	ConnectionID string    `json:"connection_id,omitempty"`
	Since        time.Time `json:"since,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// AttemptFilter specifies criteria for listing enrichment attempts.
type AttemptFilter struct {
	LeadID string    `json:"lead_id,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// ConnectionStore manages CRM connections. Credentials are sealed on write
// and opened on read.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	// FindConnection returns nil, nil when no connection matches.
	FindConnection(ctx context.Context, orgID, userID string, provider model.Provider) (*model.Connection, error)
	// UpsertConnection inserts or replaces the connection keyed by
	// (org, user, provider) and sets conn.ID to the stored row id.
	UpsertConnection(ctx context.Context, conn *model.Connection) error
	UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error
	// UpdateConnectionStatus sets status, and last_sync_at when lastSyncAt is non-nil.
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastSyncAt *time.Time) error
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error)
	DeleteConnection(ctx context.Context, id string) error
}

// LeadStore manages lead records.
type LeadStore interface {
	CreateLead(ctx context.Context, lead *model.Lead) error
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	// UpdateLead writes every mutable column and bumps updated_at.
	UpdateLead(ctx context.Context, lead *model.Lead) error
	UpdateEnrichmentStatus(ctx context.Context, id string, status model.EnrichmentStatus) error
	UpdatePersons(ctx context.Context, id string, persons []model.Person) error
	UpdateFitScore(ctx context.Context, id string, score *int) error
	// FindLeadsByTaxID matches on the digits of the tax id.
	FindLeadsByTaxID(ctx context.Context, orgID, taxID string) ([]model.Lead, error)
	// FindLeadsByEmail matches case-insensitively.
	FindLeadsByEmail(ctx context.Context, orgID, email string) ([]model.Lead, error)
	// ListLeadsUpdatedSince returns leads updated strictly after since (all
	// leads when since is nil), oldest first.
	ListLeadsUpdatedSince(ctx context.Context, orgID string, since *time.Time, limit int) ([]model.Lead, error)
}

// ActivityStore manages interaction events.
type ActivityStore interface {
	CreateActivity(ctx context.Context, a *model.Activity) error
	// ListUnsyncedActivities returns activities of the given kind with no
	// cross-reference on the connection, oldest first.
	ListUnsyncedActivities(ctx context.Context, orgID, connectionID string, kind model.ActivityKind, limit int) ([]model.Activity, error)
}

// XrefStore manages cross-references between local and external ids.
type XrefStore interface {
	// GetXref returns nil, nil when the local record has no cross-reference.
	GetXref(ctx context.Context, connectionID string, kind model.XrefKind, localID string) (*model.CrossReference, error)
	// CreateXref is idempotent on (connection, kind, local id): an existing
	// row is left untouched.
	CreateXref(ctx context.Context, x *model.CrossReference) error
}

// LogStore holds the append-only logs.
type LogStore interface {
	InsertSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, filter SyncRunFilter) ([]model.SyncRun, error)
	InsertEnrichmentAttempt(ctx context.Context, a *model.EnrichmentAttempt) error
	ListEnrichmentAttempts(ctx context.Context, filter AttemptFilter) ([]model.EnrichmentAttempt, error)
}

// RuleStore holds fit-score rules per org.
type RuleStore interface {
	ListScoringRules(ctx context.Context, orgID string) ([]model.ScoringRule, error)
	ReplaceScoringRules(ctx context.Context, orgID string, rules []model.ScoringRule) error
}

// Store is the full persistence interface.
type Store interface {
	ConnectionStore
	LeadStore
	ActivityStore
	XrefStore
	LogStore
	RuleStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// connectionAAD binds sealed credentials to the connection's natural key.
func connectionAAD(orgID, userID string, provider model.Provider) []byte {
	return []byte(orgID + "/" + userID + "/" + string(provider))
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
