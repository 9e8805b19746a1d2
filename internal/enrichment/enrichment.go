// Package enrichment fills lead records from external company and person
// sources. Every provider call, retries included, is logged as an attempt.
package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

// DefaultMaxRetries is the number of provider calls made when the caller
// passes a non-positive maxRetries.
const DefaultMaxRetries = 3

// Store is the persistence the enrichment stages need.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	UpdateLead(ctx context.Context, lead *model.Lead) error
	UpdateEnrichmentStatus(ctx context.Context, id string, status model.EnrichmentStatus) error
	UpdatePersons(ctx context.Context, id string, persons []model.Person) error
	InsertEnrichmentAttempt(ctx context.Context, a *model.EnrichmentAttempt) error
}

// Rescorer recomputes a lead's fit score. *scoring.Scorer satisfies it.
type Rescorer interface {
	Rescore(ctx context.Context, lead *model.Lead) error
}

// Options tunes an Orchestrator.
type Options struct {
	// InitialBackoff is the wait before the second call; it doubles after
	// every further call. Default: 1s.
	InitialBackoff time.Duration
	// Sleep replaces the timer wait between attempts.
	Sleep resilience.Sleeper
	// Now replaces the clock.
	Now func() time.Time
}

// Orchestrator runs the company enrichment stage for one lead.
type Orchestrator struct {
	store  Store
	scorer Rescorer
	opts   Options
}

// NewOrchestrator creates an Orchestrator. scorer may be nil.
func NewOrchestrator(st Store, scorer Rescorer, opts Options) *Orchestrator {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.SleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{store: st, scorer: scorer, opts: opts}
}

// Enrich looks taxID up with p, making at most maxRetries calls with
// exponential backoff between them. A not-found answer stops after one
// call. On success the present fields are merged into the lead and the
// status becomes enriched; otherwise it becomes not_found or
// enrichment_failed and the last provider error is returned alongside
// the result.
func (o *Orchestrator) Enrich(ctx context.Context, leadID, taxID string, p provider.CompanyProvider, maxRetries int) (*model.EnrichmentResult, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	log := zap.L().With(
		zap.String("lead_id", leadID),
		zap.String("provider", p.Name()),
	)

	if err := o.store.UpdateEnrichmentStatus(ctx, leadID, model.EnrichmentEnriching); err != nil {
		return nil, eris.Wrapf(err, "enrichment: mark lead %s enriching", leadID)
	}

	cfg := resilience.RetryConfig{
		MaxAttempts:    maxRetries,
		InitialBackoff: o.opts.InitialBackoff,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		ShouldRetry:    resilience.IsRetryable,
		OnRetry:        resilience.RetryLogger(p.Name(), "lookup_company"),
		Sleep:          o.opts.Sleep,
	}
	company, err := resilience.DoVal(ctx, cfg, func(ctx context.Context, attempt int) (*model.CanonicalCompany, error) {
		start := o.opts.Now()
		c, err := p.LookupCompany(ctx, taxID)
		var raw []byte
		if c != nil {
			raw = c.Raw
		}
		o.logAttempt(ctx, leadID, p.Name(), attempt, start, raw, err)
		return c, err
	})

	// Final status writes must land even when the caller's context is done.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		status := model.EnrichmentFailed
		if resilience.IsNotFound(err) {
			status = model.EnrichmentNotFound
		}
		if serr := o.store.UpdateEnrichmentStatus(wctx, leadID, status); serr != nil {
			log.Error("enrichment: failed to record final status", zap.Error(serr))
		}
		log.Warn("enrichment: company lookup failed",
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return &model.EnrichmentResult{Status: status, Err: err}, err
	}

	lead, err := o.store.GetLead(wctx, leadID)
	if err != nil {
		return o.failSave(wctx, log, leadID, eris.Wrapf(err, "enrichment: load lead %s", leadID))
	}
	lead.MergeCompany(*company)
	now := o.opts.Now().UTC()
	lead.EnrichmentStatus = model.EnrichmentEnriched
	lead.EnrichedAt = &now
	if err := o.store.UpdateLead(wctx, lead); err != nil {
		return o.failSave(wctx, log, leadID, eris.Wrapf(err, "enrichment: save lead %s", leadID))
	}
	if o.scorer != nil {
		if err := o.scorer.Rescore(wctx, lead); err != nil {
			log.Warn("enrichment: rescore failed", zap.Error(err))
		}
	}

	log.Info("enrichment: lead enriched", zap.Int("persons", len(lead.Persons)))
	return &model.EnrichmentResult{
		Success: true,
		Status:  model.EnrichmentEnriched,
		Data:    company,
	}, nil
}

// failSave moves a lead whose lookup succeeded but could not be persisted
// out of enriching.
func (o *Orchestrator) failSave(ctx context.Context, log *zap.Logger, leadID string, err error) (*model.EnrichmentResult, error) {
	if serr := o.store.UpdateEnrichmentStatus(ctx, leadID, model.EnrichmentFailed); serr != nil {
		log.Error("enrichment: failed to record final status", zap.Error(serr))
	}
	log.Error("enrichment: persist result failed", zap.Error(err))
	return &model.EnrichmentResult{Status: model.EnrichmentFailed, Err: err}, err
}

// logAttempt appends one attempt row. A failed insert is logged and never
// fails the enrichment.
func (o *Orchestrator) logAttempt(ctx context.Context, leadID, providerName string, attempt int, start time.Time, raw []byte, callErr error) {
	row := &model.EnrichmentAttempt{
		LeadID:     leadID,
		Provider:   providerName,
		Attempt:    attempt,
		Status:     attemptStatus(callErr),
		DurationMs: o.opts.Now().Sub(start).Milliseconds(),
	}
	if callErr != nil {
		row.Error = callErr.Error()
		var apiErr *resilience.APIError
		if errors.As(callErr, &apiErr) {
			raw = []byte(apiErr.Body)
		}
	}
	row.RawResponse = string(raw)

	if err := o.store.InsertEnrichmentAttempt(context.WithoutCancel(ctx), row); err != nil {
		zap.L().Warn("enrichment: failed to log attempt",
			zap.String("lead_id", leadID),
			zap.String("provider", providerName),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func attemptStatus(err error) model.AttemptStatus {
	switch {
	case err == nil:
		return model.AttemptSuccess
	case resilience.IsNotFound(err):
		return model.AttemptNotFound
	default:
		return model.AttemptError
	}
}
