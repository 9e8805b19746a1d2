package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/pkg/cnpja"
)

// CNPJa is the premium company provider. It adds emails, phones, an
// estimated revenue and unmasked partner CPFs, which the person stage needs.
type CNPJa struct {
	client cnpja.Client
}

// NewCNPJa wraps a CNPJá client.
func NewCNPJa(client cnpja.Client) *CNPJa {
	return &CNPJa{client: client}
}

// Name implements CompanyProvider.
func (p *CNPJa) Name() string { return cnpja.ProviderName }

// LookupCompany implements CompanyProvider.
func (p *CNPJa) LookupCompany(ctx context.Context, taxID string) (*model.CanonicalCompany, error) {
	o, raw, err := p.client.Office(ctx, model.Digits(taxID))
	if err != nil {
		return nil, err
	}
	out := fromCNPJa(o)
	out.Raw = raw
	return out, nil
}

func fromCNPJa(o *cnpja.Office) *model.CanonicalCompany {
	out := &model.CanonicalCompany{
		LegalName:          strings.TrimSpace(o.Company.Name),
		TradeName:          strings.TrimSpace(o.Alias),
		TaxID:              o.TaxID,
		Website:            o.Website,
		Size:               o.Company.Size.Text,
		PrimaryActivity:    o.MainActivity.ID.String(),
		RegistrationStatus: o.Status.Text,
		ShareCapital:       nullDecimal(o.Company.Equity),
		EstimatedRevenue:   nullDecimal(o.EstimatedRevenue),
		Address: model.Address{
			Street:     o.Address.Street,
			Number:     o.Address.Number,
			Complement: o.Address.Details,
			District:   o.Address.District,
			City:       o.Address.City,
			State:      o.Address.State,
			ZipCode:    o.Address.Zip,
		},
	}
	if len(o.Emails) > 0 {
		out.Email = strings.ToLower(strings.TrimSpace(o.Emails[0].Address))
	}
	if len(o.Phones) > 0 {
		out.Phone = NormalizePhone(o.Phones[0].Area + o.Phones[0].Number)
	}
	for _, m := range o.Company.Members {
		if strings.TrimSpace(m.Person.Name) == "" {
			continue
		}
		out.Persons = append(out.Persons, model.CanonicalPerson{
			Name:  strings.TrimSpace(m.Person.Name),
			Role:  m.Role.Text,
			TaxID: m.Person.TaxID,
		})
	}
	return out
}

// nullDecimal parses a JSON number into a NullDecimal. Missing or
// unparsable numbers are null.
func nullDecimal(n *json.Number) decimal.NullDecimal {
	if n == nil || n.String() == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
