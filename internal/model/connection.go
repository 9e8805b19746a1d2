package model

import "time"

// Provider identifies an external CRM.
type Provider string

const (
	ProviderHubSpot    Provider = "hubspot"
	ProviderPipedrive  Provider = "pipedrive"
	ProviderRDStation  Provider = "rdstation"
	ProviderSalesforce Provider = "salesforce"
	ProviderNotion     Provider = "notion"
)

// UserScoped reports whether connections to the provider belong to a single
// user instead of the whole org. Every supported CRM is org-scoped.
func (p Provider) UserScoped() bool {
	return false
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderHubSpot, ProviderPipedrive, ProviderRDStation, ProviderSalesforce, ProviderNotion:
		return true
	}
	return false
}

// ConnectionStatus is the health of a CRM connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
	ConnectionSyncing      ConnectionStatus = "syncing"
)

// EntityKind selects a field mapping table.
type EntityKind string

const (
	EntityLeads      EntityKind = "leads"
	EntityActivities EntityKind = "activities"
)

// Auxiliary credential keys set by adapters during code exchange.
const (
	ExtraPortalID     = "portal_id"
	ExtraAPIDomain    = "api_domain"
	ExtraInstanceURL  = "instance_url"
	ExtraDatabaseID   = "database_id"
	ExtraWorkspaceID  = "workspace_id"
	ExtraSegmentation = "segmentation_id"
	ExtraTokenType    = "token_type"
)

// Credentials is the token bundle stored (sealed) on a connection.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the credentials carry an expiry that has passed.
// Credentials without an expiry never expire.
func (c Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is available.
func (c Credentials) CanRefresh() bool {
	return c.RefreshToken != ""
}

// Aux returns an auxiliary field, or "" when absent.
func (c Credentials) Aux(key string) string {
	if c.Extra == nil {
		return ""
	}
	return c.Extra[key]
}

// PreserveRefresh returns next with the refresh token of prev carried over
// when next does not carry one. Auxiliary fields missing from next are
// carried over too.
func PreserveRefresh(prev, next Credentials) Credentials {
	if next.RefreshToken == "" {
		next.RefreshToken = prev.RefreshToken
	}
	if len(prev.Extra) > 0 {
		merged := make(map[string]string, len(prev.Extra)+len(next.Extra))
		for k, v := range prev.Extra {
			merged[k] = v
		}
		for k, v := range next.Extra {
			if v != "" {
				merged[k] = v
			}
		}
		next.Extra = merged
	}
	return next
}

// FieldMapping maps internal field names to provider field names per entity kind.
type FieldMapping map[EntityKind]map[string]string

// Connection links an org (and optionally a user) to one external CRM.
type Connection struct {
	ID           string           `json:"id"`
	OrgID        string           `json:"org_id"`
	UserID       string           `json:"user_id,omitempty"` // set only for user-scoped providers
	Provider     Provider         `json:"provider"`
	Credentials  Credentials      `json:"-"`
	Status       ConnectionStatus `json:"status"`
	LastSyncAt   *time.Time       `json:"last_sync_at,omitempty"`
	FieldMapping FieldMapping     `json:"field_mapping,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
