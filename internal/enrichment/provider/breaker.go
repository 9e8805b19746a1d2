package provider

import (
	"context"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

type guardedCompany struct {
	CompanyProvider
	cb *resilience.CircuitBreaker
}

// GuardCompany runs every lookup of p through the breaker registered for
// its name. Calls fail fast with resilience.ErrCircuitOpen while open.
func GuardCompany(p CompanyProvider, breakers *resilience.ProviderBreakers) CompanyProvider {
	return &guardedCompany{CompanyProvider: p, cb: breakers.Get(p.Name())}
}

func (g *guardedCompany) LookupCompany(ctx context.Context, taxID string) (*model.CanonicalCompany, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*model.CanonicalCompany, error) {
		return g.CompanyProvider.LookupCompany(ctx, taxID)
	})
}

type guardedPerson struct {
	PersonProvider
	cb *resilience.CircuitBreaker
}

// GuardPerson is GuardCompany for person providers.
func GuardPerson(p PersonProvider, breakers *resilience.ProviderBreakers) PersonProvider {
	return &guardedPerson{PersonProvider: p, cb: breakers.Get(p.Name())}
}

func (g *guardedPerson) LookupPerson(ctx context.Context, taxID string) (*model.CanonicalPerson, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*model.CanonicalPerson, error) {
		return g.PersonProvider.LookupPerson(ctx, taxID)
	})
}
