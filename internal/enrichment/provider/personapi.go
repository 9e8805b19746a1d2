package provider

import (
	"context"
	"strings"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/pkg/personapi"
)

// PersonAPI is the person provider used by the second enrichment stage.
type PersonAPI struct {
	client personapi.Client
}

// NewPersonAPI wraps a person lookup client.
func NewPersonAPI(client personapi.Client) *PersonAPI {
	return &PersonAPI{client: client}
}

// Name implements PersonProvider.
func (p *PersonAPI) Name() string { return personapi.ProviderName }

// LookupPerson implements PersonProvider.
func (p *PersonAPI) LookupPerson(ctx context.Context, taxID string) (*model.CanonicalPerson, error) {
	person, raw, err := p.client.LookupCPF(ctx, model.Digits(taxID))
	if err != nil {
		return nil, err
	}
	out := fromPersonAPI(person)
	out.Raw = raw
	return out, nil
}

func fromPersonAPI(p *personapi.Person) *model.CanonicalPerson {
	out := &model.CanonicalPerson{
		Name:  strings.TrimSpace(p.Name),
		TaxID: p.CPF,
	}
	seen := make(map[string]bool, len(p.Emails))
	for _, e := range p.Emails {
		addr := strings.ToLower(strings.TrimSpace(e.Email))
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out.Emails = append(out.Emails, addr)
	}
	raws := make([]string, 0, len(p.Phones))
	for _, ph := range p.Phones {
		raws = append(raws, ph.DDD+ph.Number)
	}
	out.Phones = normalizePhones(raws)
	if len(p.Addresses) > 0 {
		a := p.Addresses[0]
		addr := model.Address{
			Street:     a.Street,
			Number:     a.Number,
			Complement: a.Complement,
			District:   a.District,
			City:       a.City,
			State:      a.State,
			ZipCode:    a.Zip,
		}
		if !addr.Empty() {
			out.Address = &addr
		}
	}
	return out
}
