package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/pkg/brasilapi"
)

// BrasilAPI is the free-tier company provider: registry and address data,
// masked partner CPFs, no contact channels beyond the registry phone.
type BrasilAPI struct {
	client brasilapi.Client
}

// NewBrasilAPI wraps a BrasilAPI client.
func NewBrasilAPI(client brasilapi.Client) *BrasilAPI {
	return &BrasilAPI{client: client}
}

// Name implements CompanyProvider.
func (p *BrasilAPI) Name() string { return brasilapi.ProviderName }

// LookupCompany implements CompanyProvider.
func (p *BrasilAPI) LookupCompany(ctx context.Context, taxID string) (*model.CanonicalCompany, error) {
	c, raw, err := p.client.LookupCNPJ(ctx, model.Digits(taxID))
	if err != nil {
		return nil, err
	}
	out := fromBrasilAPI(c)
	out.Raw = raw
	return out, nil
}

func fromBrasilAPI(c *brasilapi.Company) *model.CanonicalCompany {
	out := &model.CanonicalCompany{
		LegalName:          strings.TrimSpace(c.RazaoSocial),
		TradeName:          strings.TrimSpace(c.NomeFantasia),
		TaxID:              c.CNPJ,
		Phone:              NormalizePhone(c.DDDTelefone1),
		Size:               c.Porte,
		RegistrationStatus: c.SituacaoCadastral,
		Address: model.Address{
			Street:     c.Logradouro,
			Number:     c.Numero,
			Complement: c.Complemento,
			District:   c.Bairro,
			City:       c.Municipio,
			State:      c.UF,
			ZipCode:    c.CEP,
		},
	}
	if c.Email != nil {
		out.Email = strings.ToLower(strings.TrimSpace(*c.Email))
	}
	if c.CNAEFiscal > 0 {
		out.PrimaryActivity = strconv.FormatInt(c.CNAEFiscal, 10)
	}
	if c.CapitalSocial > 0 {
		out.ShareCapital = decimal.NewNullDecimal(decimal.NewFromFloat(c.CapitalSocial))
	}
	for _, partner := range c.QSA {
		if strings.TrimSpace(partner.Nome) == "" {
			continue
		}
		out.Persons = append(out.Persons, model.CanonicalPerson{
			Name:  strings.TrimSpace(partner.Nome),
			Role:  partner.Qualificacao,
			TaxID: partner.CPFCNPJ,
		})
	}
	return out
}
