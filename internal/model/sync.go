package model

import "time"

// XrefKind is the kind of local record a cross-reference points at.
type XrefKind string

const (
	XrefLead     XrefKind = "lead"
	XrefActivity XrefKind = "activity"
)

// CrossReference associates a local record with its external id on one connection.
type CrossReference struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Kind         XrefKind  `json:"kind"`
	LocalID      string    `json:"local_id"`
	ExternalID   string    `json:"external_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncError is one per-record failure inside a sync phase.
type SyncError struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// SyncResult aggregates the outcome of one sync phase.
type SyncResult struct {
	Synced       int         `json:"synced"`
	Errors       int         `json:"errors"`
	ErrorDetails []SyncError `json:"error_details"`
}

// NewSyncResult returns the zero-value result {0, 0, []}.
func NewSyncResult() SyncResult {
	return SyncResult{ErrorDetails: []SyncError{}}
}

// Succeed counts one synced record.
func (r *SyncResult) Succeed() {
	r.Synced++
}

// Fail counts one failed record and keeps its detail.
func (r *SyncResult) Fail(recordID, field string, err error) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, SyncError{RecordID: recordID, Field: field, Message: err.Error()})
}

// SyncReport is the per-phase result of one sync pass.
type SyncReport struct {
	Pull       SyncResult `json:"pull"`
	Push       SyncResult `json:"push"`
	Activities SyncResult `json:"activities"`
}

// NewSyncReport returns a report with every phase at its zero value.
func NewSyncReport() SyncReport {
	return SyncReport{Pull: NewSyncResult(), Push: NewSyncResult(), Activities: NewSyncResult()}
}

// Totals sums synced and error counts across phases.
func (r SyncReport) Totals() (synced, errors int) {
	synced = r.Pull.Synced + r.Push.Synced + r.Activities.Synced
	errors = r.Pull.Errors + r.Push.Errors + r.Activities.Errors
	return synced, errors
}

// Details concatenates the error details of every phase.
func (r SyncReport) Details() []SyncError {
	out := make([]SyncError, 0, len(r.Pull.ErrorDetails)+len(r.Push.ErrorDetails)+len(r.Activities.ErrorDetails))
	out = append(out, r.Pull.ErrorDetails...)
	out = append(out, r.Push.ErrorDetails...)
	return append(out, r.Activities.ErrorDetails...)
}

// SyncDirection of a logged run.
type SyncDirection string

const SyncBidirectional SyncDirection = "bidirectional"

// SyncRun is the append-only log row written once per sync pass.
type SyncRun struct {
	ID            string        `json:"id"`
	ConnectionID  string        `json:"connection_id"`
	Direction     SyncDirection `json:"direction"`
	RecordsSynced int           `json:"records_synced"`
	Errors        int           `json:"errors"`
	DurationMs    int64         `json:"duration_ms"`
	ErrorDetails  []SyncError   `json:"error_details"`
	FatalError    string        `json:"fatal_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
