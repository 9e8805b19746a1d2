package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalCompany is the provider-independent company shape every company
// enrichment provider produces.
type CanonicalCompany struct {
	LegalName          string              `json:"legal_name,omitempty"`
	TradeName          string              `json:"trade_name,omitempty"`
	TaxID              string              `json:"tax_id,omitempty"`
	Email              string              `json:"email,omitempty"`
	Phone              string              `json:"phone,omitempty"`
	Website            string              `json:"website,omitempty"`
	Address            Address             `json:"address"`
	Size               string              `json:"size,omitempty"`
	PrimaryActivity    string              `json:"primary_activity,omitempty"`
	RegistrationStatus string              `json:"registration_status,omitempty"`
	ShareCapital       decimal.NullDecimal `json:"share_capital"`
	EstimatedRevenue   decimal.NullDecimal `json:"estimated_revenue"`
	Persons            []CanonicalPerson   `json:"persons,omitempty"`
	Raw                json.RawMessage     `json:"-"`
}

// CanonicalPerson is the provider-independent person shape. Company
// providers fill name, role and tax id; person providers add contact channels.
type CanonicalPerson struct {
	Name    string          `json:"name"`
	Role    string          `json:"role,omitempty"`
	TaxID   string          `json:"tax_id,omitempty"`
	Emails  []string        `json:"emails,omitempty"`
	Phones  []string        `json:"phones,omitempty"`
	Address *Address        `json:"address,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Person converts the canonical shape into a stored person.
func (c CanonicalPerson) Person() Person {
	return Person{
		Name:    c.Name,
		Role:    c.Role,
		TaxID:   c.TaxID,
		Emails:  c.Emails,
		Phones:  c.Phones,
		Address: c.Address,
	}
}

// CanonicalContact is an external CRM contact normalized by an adapter.
type CanonicalContact struct {
	ExternalID  string         `json:"external_id"`
	Email       string         `json:"email,omitempty"`
	CompanyName string         `json:"company_name,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CanonicalActivity is an activity event ready to be pushed to a CRM.
type CanonicalActivity struct {
	ContactExternalID string       `json:"contact_external_id"`
	Type              ActivityType `json:"type"`
	Subject           string       `json:"subject"`
	Body              string       `json:"body,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}
