package enrichment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

// DefaultPersonDelay is the pause between two person lookups.
const DefaultPersonDelay = time.Second

// Coordinator runs the two-stage enrichment: the company stage through an
// Orchestrator, then one person lookup per partner with a full CPF.
type Coordinator struct {
	orch        *Orchestrator
	store       Store
	personDelay time.Duration
}

// NewCoordinator creates a Coordinator. A non-positive personDelay uses
// DefaultPersonDelay.
func NewCoordinator(orch *Orchestrator, st Store, personDelay time.Duration) *Coordinator {
	if personDelay <= 0 {
		personDelay = DefaultPersonDelay
	}
	return &Coordinator{orch: orch, store: st, personDelay: personDelay}
}

// EnrichFull enriches the company and then its persons. The company
// result is returned unchanged when that stage fails or finds no persons.
// A failed person lookup marks only that person failed; the full person
// list is written back in a single update.
func (c *Coordinator) EnrichFull(ctx context.Context, leadID, taxID string, company provider.CompanyProvider, person provider.PersonProvider, maxRetries int) (*model.EnrichmentResult, error) {
	res, err := c.orch.Enrich(ctx, leadID, taxID, company, maxRetries)
	if err != nil || res == nil || !res.Success {
		return res, err
	}

	wctx := context.WithoutCancel(ctx)
	lead, err := c.store.GetLead(wctx, leadID)
	if err != nil {
		return res, eris.Wrapf(err, "enrichment: load lead %s for person stage", leadID)
	}
	if len(lead.Persons) == 0 {
		return res, nil
	}

	log := zap.L().With(zap.String("lead_id", leadID), zap.String("provider", person.Name()))
	persons := make([]model.Person, len(lead.Persons))
	copy(persons, lead.Persons)

	looked := 0
	var enriched, failed int
	for i := range persons {
		if !persons[i].HasFullTaxID() {
			continue
		}
		if looked > 0 {
			if err := c.orch.opts.Sleep(ctx, c.personDelay); err != nil {
				log.Warn("enrichment: person stage interrupted", zap.Error(err))
				break
			}
		}
		looked++

		start := c.orch.opts.Now()
		found, err := person.LookupPerson(ctx, persons[i].TaxID)
		var raw []byte
		if found != nil {
			raw = found.Raw
		}
		c.orch.logAttempt(ctx, leadID, person.Name(), 1, start, raw, err)

		if err != nil {
			persons[i].ContactEnrichment = model.ContactFailed
			failed++
			log.Warn("enrichment: person lookup failed",
				zap.String("person", persons[i].Name),
				zap.String("kind", resilience.Classify(err).String()),
				zap.Error(err),
			)
			continue
		}
		mergePerson(&persons[i], found)
		persons[i].ContactEnrichment = model.ContactEnriched
		enriched++
	}

	if looked == 0 {
		return res, nil
	}
	if err := c.store.UpdatePersons(wctx, leadID, persons); err != nil {
		return res, eris.Wrapf(err, "enrichment: save persons for lead %s", leadID)
	}
	log.Info("enrichment: person stage complete",
		zap.Int("enriched", enriched),
		zap.Int("failed", failed),
	)
	return res, nil
}

// mergePerson attaches discovered contact channels. Absent values never
// overwrite what the person already has.
func mergePerson(dst *model.Person, src *model.CanonicalPerson) {
	if model.Present(src.Emails) {
		dst.Emails = src.Emails
	}
	if model.Present(src.Phones) {
		dst.Phones = src.Phones
	}
	if src.Address != nil && !src.Address.Empty() {
		addr := *src.Address
		dst.Address = &addr
	}
}
