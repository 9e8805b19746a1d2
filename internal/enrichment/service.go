package enrichment

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/model"
)

// ServiceConfig names the providers and the retry budget used by Service.
type ServiceConfig struct {
	CompanyProvider string
	PersonProvider  string
	MaxRetries      int
}

// Service resolves a lead and its configured providers and runs one of
// the enrichment stages. It is the entry point for the CLI, the API and
// the workers.
type Service struct {
	store    Store
	registry *provider.Registry
	coord    *Coordinator
	cfg      ServiceConfig
}

// NewService creates a Service.
func NewService(st Store, registry *provider.Registry, coord *Coordinator, cfg ServiceConfig) *Service {
	return &Service{store: st, registry: registry, coord: coord, cfg: cfg}
}

// EnrichLead runs the company stage for leadID, followed by the person
// stage when full is set.
func (s *Service) EnrichLead(ctx context.Context, leadID string, full bool) (*model.EnrichmentResult, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrichment: load lead %s", leadID)
	}
	if model.Digits(lead.TaxID) == "" {
		return nil, eris.Errorf("enrichment: lead %s has no tax id", leadID)
	}

	company, err := s.registry.Company(s.cfg.CompanyProvider)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: resolve company provider")
	}
	if !full {
		return s.coord.orch.Enrich(ctx, leadID, lead.TaxID, company, s.cfg.MaxRetries)
	}

	person, err := s.registry.Person(s.cfg.PersonProvider)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: resolve person provider")
	}
	return s.coord.EnrichFull(ctx, leadID, lead.TaxID, company, person, s.cfg.MaxRetries)
}
