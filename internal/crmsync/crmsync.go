// Package crmsync runs one bidirectional sync pass for a CRM connection:
// token check, pull, push, activities, finalize.
package crmsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/crm"
	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/fieldmap"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/internal/store"
)

// Defaults applied by NewOrchestrator.
const (
	DefaultPushBatchSize     = 200
	DefaultActivityBatchSize = 100
	DefaultMaxDuration       = 15 * time.Minute
)

var (
	// ErrConnectionNotFound is returned before any phase runs when the
	// connection does not exist.
	ErrConnectionNotFound = eris.New("crmsync: connection not found")
	// ErrConnectionDisconnected is returned before any phase runs when the
	// connection was disconnected by its owner.
	ErrConnectionDisconnected = eris.New("crmsync: connection disconnected")
	// ErrDeadlineExceeded is returned when a pass outlives its deadline.
	ErrDeadlineExceeded = eris.New("crmsync: sync pass deadline exceeded")

	errAmbiguousEmail = eris.New("ambiguous email match")
	errAmbiguousTaxID = eris.New("ambiguous tax id match")
)

// Store is the persistence a sync pass needs.
type Store interface {
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastSyncAt *time.Time) error

	UpdateLead(ctx context.Context, lead *model.Lead) error
	FindLeadsByTaxID(ctx context.Context, orgID, taxID string) ([]model.Lead, error)
	FindLeadsByEmail(ctx context.Context, orgID, email string) ([]model.Lead, error)
	ListLeadsUpdatedSince(ctx context.Context, orgID string, since *time.Time, limit int) ([]model.Lead, error)

	ListUnsyncedActivities(ctx context.Context, orgID, connectionID string, kind model.ActivityKind, limit int) ([]model.Activity, error)

	GetXref(ctx context.Context, connectionID string, kind model.XrefKind, localID string) (*model.CrossReference, error)
	CreateXref(ctx context.Context, x *model.CrossReference) error

	InsertSyncRun(ctx context.Context, run *model.SyncRun) error
}

// Rescorer recomputes a lead's fit score. *scoring.Scorer satisfies it.
type Rescorer interface {
	Rescore(ctx context.Context, lead *model.Lead) error
}

// Options tunes an Orchestrator.
type Options struct {
	PushBatchSize     int
	ActivityBatchSize int
	// MaxDuration bounds one pass. It is checked between records.
	MaxDuration time.Duration
	// Now replaces the clock.
	Now func() time.Time
}

// Orchestrator runs sync passes. It holds no per-pass state, so one
// Orchestrator may serve concurrent passes for different connections.
type Orchestrator struct {
	store    Store
	registry *crm.Registry
	scorer   Rescorer
	opts     Options
}

// NewOrchestrator creates an Orchestrator. scorer may be nil.
func NewOrchestrator(st Store, registry *crm.Registry, scorer Rescorer, opts Options) *Orchestrator {
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = DefaultPushBatchSize
	}
	if opts.ActivityBatchSize <= 0 {
		opts.ActivityBatchSize = DefaultActivityBatchSize
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{store: st, registry: registry, scorer: scorer, opts: opts}
}

// pass carries the state of one SyncConnection call.
type pass struct {
	conn     *model.Connection
	adapter  crm.Adapter
	table    map[string]string
	deadline time.Time
	log      *zap.Logger
}

// SyncConnection runs one sync pass for connectionID and returns the
// per-phase results. Per-record failures are reported in the results and
// do not fail the pass. Any other failure marks the connection as error
// and is returned. A sync run row is written for every pass that found a
// connection that is not disconnected.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID string) (model.SyncReport, error) {
	report := model.NewSyncReport()

	conn, err := o.store.GetConnection(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return report, eris.Wrapf(ErrConnectionNotFound, "crmsync: connection %s", connectionID)
	}
	if err != nil {
		return report, eris.Wrapf(err, "crmsync: load connection %s", connectionID)
	}
	if conn.Status == model.ConnectionDisconnected {
		return report, eris.Wrapf(ErrConnectionDisconnected, "crmsync: connection %s", connectionID)
	}

	start := o.opts.Now()
	log := zap.L().With(
		zap.String("connection_id", conn.ID),
		zap.String("org_id", conn.OrgID),
		zap.String("provider", string(conn.Provider)),
	)
	log.Info("crmsync: pass started", zap.Timep("last_sync_at", conn.LastSyncAt))

	p := &pass{conn: conn, deadline: start.Add(o.opts.MaxDuration), log: log}
	runErr := o.run(ctx, p, &report)

	synced, errCount := report.Totals()
	syncRun := &model.SyncRun{
		ConnectionID:  conn.ID,
		Direction:     model.SyncBidirectional,
		RecordsSynced: synced,
		Errors:        errCount,
		DurationMs:    o.opts.Now().Sub(start).Milliseconds(),
		ErrorDetails:  report.Details(),
	}

	if runErr != nil {
		syncRun.FatalError = runErr.Error()
		log.Error("crmsync: pass failed", zap.Error(runErr))
		if err := o.store.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionError, nil); err != nil {
			log.Error("crmsync: mark connection error", zap.Error(err))
		}
		o.logRun(ctx, log, syncRun)
		return report, runErr
	}

	now := o.opts.Now().UTC()
	if err := o.store.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionConnected, &now); err != nil {
		syncRun.FatalError = err.Error()
		o.logRun(ctx, log, syncRun)
		return report, eris.Wrap(err, "crmsync: finalize connection")
	}
	if err := o.logRun(ctx, log, syncRun); err != nil {
		return report, err
	}

	log.Info("crmsync: pass complete",
		zap.Int("pull_synced", report.Pull.Synced),
		zap.Int("pull_errors", report.Pull.Errors),
		zap.Int("push_synced", report.Push.Synced),
		zap.Int("push_errors", report.Push.Errors),
		zap.Int("activities_synced", report.Activities.Synced),
		zap.Int("activity_errors", report.Activities.Errors),
		zap.Int64("duration_ms", syncRun.DurationMs),
	)
	return report, nil
}

func (o *Orchestrator) logRun(ctx context.Context, log *zap.Logger, run *model.SyncRun) error {
	if err := o.store.InsertSyncRun(ctx, run); err != nil {
		log.Error("crmsync: write sync run", zap.Error(err))
		return eris.Wrap(err, "crmsync: write sync run")
	}
	return nil
}

// run executes the phases. A panic inside a phase is returned as an error
// so the connection is still finalized.
func (o *Orchestrator) run(ctx context.Context, p *pass, report *model.SyncReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("crmsync: panic during sync pass: %v", r)
		}
	}()

	p.adapter, err = o.registry.Get(p.conn.Provider)
	if err != nil {
		return eris.Wrap(err, "crmsync: resolve adapter")
	}
	if err := o.store.UpdateConnectionStatus(ctx, p.conn.ID, model.ConnectionSyncing, nil); err != nil {
		return eris.Wrap(err, "crmsync: mark syncing")
	}
	if err := o.ensureToken(ctx, p); err != nil {
		return err
	}

	p.table = fieldmap.Table(p.conn, model.EntityLeads)

	if report.Pull, err = o.pull(ctx, p); err != nil {
		return err
	}
	if report.Push, err = o.push(ctx, p); err != nil {
		return err
	}
	if report.Activities, err = o.activities(ctx, p); err != nil {
		return err
	}
	return nil
}

// ensureToken refreshes expired credentials and persists the new bundle
// before it is used for anything else.
func (o *Orchestrator) ensureToken(ctx context.Context, p *pass) error {
	creds := p.conn.Credentials
	if creds.ExpiresAt == nil {
		p.log.Info("crmsync: credentials never expire")
		return nil
	}
	if !creds.Expired(o.opts.Now()) {
		return nil
	}
	if !creds.CanRefresh() {
		return eris.Wrap(resilience.ErrNoRefreshToken, "crmsync: credentials expired")
	}

	next, err := p.adapter.RefreshToken(ctx, creds)
	if err != nil {
		return eris.Wrap(err, "crmsync: refresh token")
	}
	if err := o.store.UpdateCredentials(ctx, p.conn.ID, *next); err != nil {
		return eris.Wrap(err, "crmsync: persist refreshed credentials")
	}
	p.conn.Credentials = *next
	p.log.Info("crmsync: token refreshed", zap.Timep("expires_at", next.ExpiresAt))
	return nil
}

func (o *Orchestrator) checkDeadline(p *pass) error {
	if o.opts.Now().After(p.deadline) {
		return eris.Wrapf(ErrDeadlineExceeded, "crmsync: connection %s", p.conn.ID)
	}
	return nil
}

// pull applies changed external contacts onto matching local leads.
// Contacts without a local match are skipped.
func (o *Orchestrator) pull(ctx context.Context, p *pass) (model.SyncResult, error) {
	result := model.NewSyncResult()
	inverted := fieldmap.Invert(p.table)

	contacts, err := p.adapter.PullContacts(ctx, p.conn.Credentials, p.conn.LastSyncAt, providerFields(p.table))
	if err != nil {
		return result, eris.Wrap(err, "crmsync: pull contacts")
	}
	p.log.Info("crmsync: pull phase", zap.Int("contacts", len(contacts)))

	skipped := 0
	for i := range contacts {
		if err := o.checkDeadline(p); err != nil {
			return result, err
		}
		c := &contacts[i]
		values := fieldmap.Reverse(c.Properties, inverted)

		lead, field, err := o.match(ctx, p.conn.OrgID, c, values)
		if err != nil {
			p.log.Warn("crmsync: match contact", zap.String("external_id", c.ExternalID), zap.Error(err))
			result.Fail(c.ExternalID, field, err)
			continue
		}
		if lead == nil {
			skipped++
			continue
		}

		if err := o.apply(ctx, p, lead, c.ExternalID, values); err != nil {
			p.log.Warn("crmsync: apply contact",
				zap.String("external_id", c.ExternalID),
				zap.String("lead_id", lead.ID),
				zap.Error(err),
			)
			result.Fail(lead.ID, "", err)
			continue
		}
		result.Succeed()
	}
	if skipped > 0 {
		p.log.Debug("crmsync: contacts without local match", zap.Int("skipped", skipped))
	}
	return result, nil
}

// match finds the local lead for a contact by tax id digits, then by
// email. It returns nil when nothing matches. The returned field names
// the key that failed when err is non-nil.
func (o *Orchestrator) match(ctx context.Context, orgID string, c *model.CanonicalContact, values map[string]any) (*model.Lead, string, error) {
	if taxID := model.Digits(model.Stringify(values[model.FieldTaxID])); taxID != "" {
		leads, err := o.store.FindLeadsByTaxID(ctx, orgID, taxID)
		if err != nil {
			return nil, model.FieldTaxID, err
		}
		switch len(leads) {
		case 0:
		case 1:
			return &leads[0], "", nil
		default:
			return nil, model.FieldTaxID, errAmbiguousTaxID
		}
	}

	email := c.Email
	if v := model.Stringify(values[model.FieldEmail]); v != "" {
		email = v
	}
	if email == "" {
		return nil, "", nil
	}
	leads, err := o.store.FindLeadsByEmail(ctx, orgID, email)
	if err != nil {
		return nil, model.FieldEmail, err
	}
	switch len(leads) {
	case 0:
		return nil, "", nil
	case 1:
		return &leads[0], "", nil
	default:
		return nil, model.FieldEmail, errAmbiguousEmail
	}
}

// apply overwrites the reverse-mapped fields of lead. The tax id is never
// overwritten and absent values never clear a field.
func (o *Orchestrator) apply(ctx context.Context, p *pass, lead *model.Lead, externalID string, values map[string]any) error {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	changed := false
	for _, f := range fields {
		v := values[f]
		if f == model.FieldTaxID || !model.Present(v) {
			continue
		}
		if f == model.FieldPhone {
			v = provider.NormalizePhone(model.Stringify(v))
		}
		before, _ := lead.Field(f)
		if !lead.SetField(f, v) {
			continue
		}
		after, _ := lead.Field(f)
		if model.Stringify(before) != model.Stringify(after) {
			changed = true
		}
	}

	if changed {
		if err := o.store.UpdateLead(ctx, lead); err != nil {
			return eris.Wrap(err, "crmsync: update lead")
		}
		if o.scorer != nil {
			if err := o.scorer.Rescore(ctx, lead); err != nil {
				p.log.Warn("crmsync: rescore lead", zap.String("lead_id", lead.ID), zap.Error(err))
			}
		}
	}

	if externalID != "" {
		err := o.store.CreateXref(ctx, &model.CrossReference{
			ConnectionID: p.conn.ID,
			Kind:         model.XrefLead,
			LocalID:      lead.ID,
			ExternalID:   externalID,
		})
		if err != nil {
			return eris.Wrap(err, "crmsync: link pulled contact")
		}
	}
	return nil
}

// push sends leads changed since the last sync. Leads with a
// cross-reference are updated, the rest are created and linked.
func (o *Orchestrator) push(ctx context.Context, p *pass) (model.SyncResult, error) {
	result := model.NewSyncResult()

	leads, err := o.store.ListLeadsUpdatedSince(ctx, p.conn.OrgID, p.conn.LastSyncAt, o.opts.PushBatchSize)
	if err != nil {
		return result, eris.Wrap(err, "crmsync: select leads to push")
	}
	p.log.Info("crmsync: push phase", zap.Int("leads", len(leads)))

	for i := range leads {
		if err := o.checkDeadline(p); err != nil {
			return result, err
		}
		lead := &leads[i]
		if err := o.pushLead(ctx, p, lead); err != nil {
			p.log.Warn("crmsync: push lead", zap.String("lead_id", lead.ID), zap.Error(err))
			result.Fail(lead.ID, "", err)
			continue
		}
		result.Succeed()
	}
	return result, nil
}

func (o *Orchestrator) pushLead(ctx context.Context, p *pass, lead *model.Lead) error {
	xref, err := o.store.GetXref(ctx, p.conn.ID, model.XrefLead, lead.ID)
	if err != nil {
		return eris.Wrap(err, "crmsync: load cross-reference")
	}
	externalID := ""
	if xref != nil {
		externalID = xref.ExternalID
	}

	id, err := p.adapter.PushContact(ctx, p.conn.Credentials, lead, p.table, externalID)
	if err != nil {
		return err
	}
	if xref != nil {
		return nil
	}
	if id == "" {
		return eris.New("crmsync: provider returned no contact id")
	}
	err = o.store.CreateXref(ctx, &model.CrossReference{
		ConnectionID: p.conn.ID,
		Kind:         model.XrefLead,
		LocalID:      lead.ID,
		ExternalID:   id,
	})
	return eris.Wrap(err, "crmsync: save cross-reference")
}

// activities pushes sent activities whose lead already exists in the CRM.
// Activities of leads that were never pushed are skipped.
func (o *Orchestrator) activities(ctx context.Context, p *pass) (model.SyncResult, error) {
	result := model.NewSyncResult()

	acts, err := o.store.ListUnsyncedActivities(ctx, p.conn.OrgID, p.conn.ID, model.ActivitySent, o.opts.ActivityBatchSize)
	if err != nil {
		return result, eris.Wrap(err, "crmsync: select activities to push")
	}
	p.log.Info("crmsync: activity phase", zap.Int("activities", len(acts)))

	skipped := 0
	for i := range acts {
		if err := o.checkDeadline(p); err != nil {
			return result, err
		}
		a := &acts[i]
		pushed, err := o.pushActivity(ctx, p, a)
		if err != nil {
			p.log.Warn("crmsync: push activity",
				zap.String("activity_id", a.ID),
				zap.String("lead_id", a.LeadID),
				zap.Error(err),
			)
			result.Fail(a.ID, "", err)
			continue
		}
		if !pushed {
			skipped++
			continue
		}
		result.Succeed()
	}
	if skipped > 0 {
		p.log.Debug("crmsync: activities of unsynced leads", zap.Int("skipped", skipped))
	}
	return result, nil
}

func (o *Orchestrator) pushActivity(ctx context.Context, p *pass, a *model.Activity) (bool, error) {
	parent, err := o.store.GetXref(ctx, p.conn.ID, model.XrefLead, a.LeadID)
	if err != nil {
		return false, eris.Wrap(err, "crmsync: load lead cross-reference")
	}
	if parent == nil {
		return false, nil
	}

	id, err := p.adapter.PushActivity(ctx, p.conn.Credentials, a.Canonical(parent.ExternalID))
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, eris.New("crmsync: provider returned no activity id")
	}
	err = o.store.CreateXref(ctx, &model.CrossReference{
		ConnectionID: p.conn.ID,
		Kind:         model.XrefActivity,
		LocalID:      a.ID,
		ExternalID:   id,
	})
	if err != nil {
		return false, eris.Wrap(err, "crmsync: save activity cross-reference")
	}
	return true, nil
}

// providerFields lists the distinct provider field names of a forward table.
func providerFields(table map[string]string) []string {
	seen := make(map[string]bool, len(table))
	out := make([]string, 0, len(table))
	for _, f := range table {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Summary renders a report on one line for CLI output.
func Summary(r model.SyncReport) string {
	return fmt.Sprintf("pull %d/%d  push %d/%d  activities %d/%d (synced/errors)",
		r.Pull.Synced, r.Pull.Errors,
		r.Push.Synced, r.Push.Errors,
		r.Activities.Synced, r.Activities.Errors,
	)
}
