// Package provider defines the company and person enrichment sources and
// maps each source's raw response into the canonical shapes.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
)

// CompanyProvider looks up a company by CNPJ.
type CompanyProvider interface {
	// Name returns the provider identifier written to attempt logs.
	Name() string
	// LookupCompany performs exactly one upstream call. Errors follow the
	// resilience taxonomy: a 404 classifies as not found.
	LookupCompany(ctx context.Context, taxID string) (*model.CanonicalCompany, error)
}

// PersonProvider looks up a person's contact channels by CPF.
type PersonProvider interface {
	Name() string
	LookupPerson(ctx context.Context, taxID string) (*model.CanonicalPerson, error)
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	companies map[string]CompanyProvider
	persons   map[string]PersonProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		companies: make(map[string]CompanyProvider),
		persons:   make(map[string]PersonProvider),
	}
}

// RegisterCompany adds a company provider, replacing one with the same name.
func (r *Registry) RegisterCompany(p CompanyProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.companies[p.Name()] = p
}

// RegisterPerson adds a person provider, replacing one with the same name.
func (r *Registry) RegisterPerson(p PersonProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persons[p.Name()] = p
}

// Company returns the named company provider.
func (r *Registry) Company(name string) (CompanyProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.companies[name]
	if !ok {
		return nil, eris.Errorf("provider: unknown company provider %q", name)
	}
	return p, nil
}

// Person returns the named person provider.
func (r *Registry) Person(name string) (PersonProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.persons[name]
	if !ok {
		return nil, eris.Errorf("provider: unknown person provider %q", name)
	}
	return p, nil
}

// List returns every registered provider name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.companies)+len(r.persons))
	for name := range r.companies {
		names = append(names, name)
	}
	for name := range r.persons {
		if _, dup := r.companies[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
