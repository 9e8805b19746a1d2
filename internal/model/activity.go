package model

import "time"

// ActivityType is the internal activity taxonomy. Each CRM adapter maps it
// onto its own engagement types.
type ActivityType string

const (
	ActivityEmail    ActivityType = "email"
	ActivityWhatsApp ActivityType = "whatsapp"
	ActivityMeeting  ActivityType = "meeting"
	ActivityCall     ActivityType = "call"
	ActivityOther    ActivityType = "other"
)

// ActivityKind separates outbound events from everything else. Only sent
// activities are pushed.
type ActivityKind string

const (
	ActivitySent     ActivityKind = "sent"
	ActivityReceived ActivityKind = "received"
	ActivityNote     ActivityKind = "note"
)

// Activity is an interaction logged against a lead.
type Activity struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"org_id"`
	LeadID     string       `json:"lead_id"`
	Kind       ActivityKind `json:"kind"`
	Type       ActivityType `json:"type"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Canonical builds the push shape for the activity against an external contact.
func (a Activity) Canonical(contactExternalID string) CanonicalActivity {
	t := a.Type
	if t == "" {
		t = ActivityOther
	}
	return CanonicalActivity{
		ContactExternalID: contactExternalID,
		Type:              t,
		Subject:           a.Subject,
		Body:              a.Body,
		Timestamp:         a.OccurredAt,
	}
}
