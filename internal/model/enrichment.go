package model

import "time"

// AttemptStatus is the outcome of one provider call.
type AttemptStatus string

const (
	AttemptSuccess  AttemptStatus = "success"
	AttemptNotFound AttemptStatus = "not_found"
	AttemptError    AttemptStatus = "error"
)

// EnrichmentAttempt is the append-only log row written for every provider
// call, retries included.
type EnrichmentAttempt struct {
	ID          string        `json:"id"`
	LeadID      string        `json:"lead_id"`
	Provider    string        `json:"provider"`
	Attempt     int           `json:"attempt"`
	Status      AttemptStatus `json:"status"`
	RawResponse string        `json:"raw_response,omitempty"`
	Error       string        `json:"error,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
	CreatedAt   time.Time     `json:"created_at"`
}

// EnrichmentResult is returned by the enrichment orchestrators.
type EnrichmentResult struct {
	Success bool              `json:"success"`
	Status  EnrichmentStatus  `json:"status"`
	Data    *CanonicalCompany `json:"data,omitempty"`
	Err     error             `json:"-"`
}

// ScoringOperator is a fit-score rule comparison.
type ScoringOperator string

const (
	OpContains   ScoringOperator = "contains"
	OpEquals     ScoringOperator = "equals"
	OpNotEmpty   ScoringOperator = "not_empty"
	OpStartsWith ScoringOperator = "starts_with"
)

// ScoringRule adds Points to a lead's fit score when Field matches.
type ScoringRule struct {
	ID       string          `json:"id" yaml:"id"`
	OrgID    string          `json:"org_id" yaml:"org_id"`
	Field    string          `json:"field" yaml:"field" validate:"required"`
	Operator ScoringOperator `json:"operator" yaml:"operator" validate:"required,oneof=contains equals not_empty starts_with"`
	Value    string          `json:"value" yaml:"value"`
	Points   int             `json:"points" yaml:"points"`
}
