package model

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// EnrichmentStatus represents where a lead sits in the enrichment lifecycle.
type EnrichmentStatus string

const (
	EnrichmentPending   EnrichmentStatus = "pending"
	EnrichmentEnriching EnrichmentStatus = "enriching"
	EnrichmentEnriched  EnrichmentStatus = "enriched"
	EnrichmentFailed    EnrichmentStatus = "enrichment_failed"
	EnrichmentNotFound  EnrichmentStatus = "not_found"
)

// ContactEnrichment is the per-person sub-status written by the second
// enrichment stage.
type ContactEnrichment string

const (
	ContactPending  ContactEnrichment = "pending"
	ContactEnriched ContactEnrichment = "enriched"
	ContactFailed   ContactEnrichment = "failed"
)

// Internal lead field names. These are the keys used by field mapping
// tables and scoring rules.
const (
	FieldLegalName          = "legal_name"
	FieldTradeName          = "trade_name"
	FieldTaxID              = "tax_id"
	FieldEmail              = "email"
	FieldPhone              = "phone"
	FieldWebsite            = "website"
	FieldStreet             = "street"
	FieldNumber             = "number"
	FieldComplement         = "complement"
	FieldDistrict           = "district"
	FieldCity               = "city"
	FieldState              = "state"
	FieldZipCode            = "zip_code"
	FieldSize               = "size"
	FieldPrimaryActivity    = "primary_activity"
	FieldRegistrationStatus = "registration_status"
	FieldEstimatedRevenue   = "estimated_revenue"
	FieldFitScore           = "fit_score"
	FieldEnrichmentStatus   = "enrichment_status"
)

// Address is a postal address as returned by the registry providers.
type Address struct {
	Street     string `json:"street,omitempty"`
	Number     string `json:"number,omitempty"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	ZipCode    string `json:"zip_code,omitempty"`
}

// Empty reports whether no address component is set.
func (a Address) Empty() bool {
	return a == Address{}
}

// Person is a partner or officer associated with a company.
type Person struct {
	Name              string            `json:"name"`
	Role              string            `json:"role,omitempty"`
	TaxID             string            `json:"tax_id,omitempty"` // CPF, masked (***123456**) or full
	Emails            []string          `json:"emails,omitempty"`
	Phones            []string          `json:"phones,omitempty"`
	Address           *Address          `json:"address,omitempty"`
	ContactEnrichment ContactEnrichment `json:"contact_enrichment,omitempty"`
}

// HasFullTaxID reports whether the person carries an unmasked 11-digit CPF.
func (p Person) HasFullTaxID() bool {
	if strings.ContainsAny(p.TaxID, "*xX") {
		return false
	}
	return len(Digits(p.TaxID)) == 11
}

// Lead is a company record: the target of enrichment and CRM sync.
type Lead struct {
	ID                 string              `json:"id"`
	OrgID              string              `json:"org_id"`
	LegalName          string              `json:"legal_name,omitempty"`
	TradeName          string              `json:"trade_name,omitempty"`
	TaxID              string              `json:"tax_id,omitempty"` // CNPJ
	Email              string              `json:"email,omitempty"`
	Phone              string              `json:"phone,omitempty"`
	Website            string              `json:"website,omitempty"`
	Address            Address             `json:"address"`
	Size               string              `json:"size,omitempty"`
	PrimaryActivity    string              `json:"primary_activity,omitempty"`
	RegistrationStatus string              `json:"registration_status,omitempty"`
	EstimatedRevenue   decimal.NullDecimal `json:"estimated_revenue"`
	Persons            []Person            `json:"persons,omitempty"`
	EnrichmentStatus   EnrichmentStatus    `json:"enrichment_status"`
	EnrichedAt         *time.Time          `json:"enriched_at,omitempty"`
	FitScore           *int                `json:"fit_score,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Field returns the value of the named internal field. The boolean is false
// for unknown names.
func (l *Lead) Field(name string) (any, bool) {
	switch name {
	case FieldLegalName:
		return l.LegalName, true
	case FieldTradeName:
		return l.TradeName, true
	case FieldTaxID:
		return l.TaxID, true
	case FieldEmail:
		return l.Email, true
	case FieldPhone:
		return l.Phone, true
	case FieldWebsite:
		return l.Website, true
	case FieldStreet:
		return l.Address.Street, true
	case FieldNumber:
		return l.Address.Number, true
	case FieldComplement:
		return l.Address.Complement, true
	case FieldDistrict:
		return l.Address.District, true
	case FieldCity:
		return l.Address.City, true
	case FieldState:
		return l.Address.State, true
	case FieldZipCode:
		return l.Address.ZipCode, true
	case FieldSize:
		return l.Size, true
	case FieldPrimaryActivity:
		return l.PrimaryActivity, true
	case FieldRegistrationStatus:
		return l.RegistrationStatus, true
	case FieldEstimatedRevenue:
		return l.EstimatedRevenue, true
	case FieldFitScore:
		return l.FitScore, true
	case FieldEnrichmentStatus:
		return string(l.EnrichmentStatus), true
	default:
		return nil, false
	}
}

// SetField overwrites the named internal field with value. The tax id and
// derived fields are not settable. Returns false when the field was not
// applied.
func (l *Lead) SetField(name string, value any) bool {
	s := Stringify(value)
	var dst *string
	switch name {
	case FieldLegalName:
		dst = &l.LegalName
	case FieldTradeName:
		dst = &l.TradeName
	case FieldEmail:
		dst = &l.Email
	case FieldPhone:
		dst = &l.Phone
	case FieldWebsite:
		dst = &l.Website
	case FieldStreet:
		dst = &l.Address.Street
	case FieldNumber:
		dst = &l.Address.Number
	case FieldComplement:
		dst = &l.Address.Complement
	case FieldDistrict:
		dst = &l.Address.District
	case FieldCity:
		dst = &l.Address.City
	case FieldState:
		dst = &l.Address.State
	case FieldZipCode:
		dst = &l.Address.ZipCode
	case FieldSize:
		dst = &l.Size
	case FieldPrimaryActivity:
		dst = &l.PrimaryActivity
	case FieldRegistrationStatus:
		dst = &l.RegistrationStatus
	case FieldEstimatedRevenue:
		if s == "" {
			l.EstimatedRevenue = decimal.NullDecimal{}
			return true
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return false
		}
		l.EstimatedRevenue = decimal.NullDecimal{Decimal: d, Valid: true}
		return true
	default:
		return false
	}
	*dst = s
	return true
}

// MergeCompany copies every present field of c onto the lead. Absent fields
// never overwrite existing data.
func (l *Lead) MergeCompany(c CanonicalCompany) {
	mergeString(&l.LegalName, c.LegalName)
	mergeString(&l.TradeName, c.TradeName)
	mergeString(&l.TaxID, c.TaxID)
	mergeString(&l.Email, c.Email)
	mergeString(&l.Phone, c.Phone)
	mergeString(&l.Website, c.Website)
	mergeString(&l.Address.Street, c.Address.Street)
	mergeString(&l.Address.Number, c.Address.Number)
	mergeString(&l.Address.Complement, c.Address.Complement)
	mergeString(&l.Address.District, c.Address.District)
	mergeString(&l.Address.City, c.Address.City)
	mergeString(&l.Address.State, c.Address.State)
	mergeString(&l.Address.ZipCode, c.Address.ZipCode)
	mergeString(&l.Size, c.Size)
	mergeString(&l.PrimaryActivity, c.PrimaryActivity)
	mergeString(&l.RegistrationStatus, c.RegistrationStatus)
	if Present(c.EstimatedRevenue) {
		l.EstimatedRevenue = c.EstimatedRevenue
	}
	if Present(c.Persons) {
		persons := make([]Person, 0, len(c.Persons))
		for _, p := range c.Persons {
			persons = append(persons, p.Person())
		}
		l.Persons = persons
	}
}

func mergeString(dst *string, v string) {
	if Present(v) {
		*dst = v
	}
}

// Digits strips every non-digit rune from s. Tax ids are compared in this form.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
