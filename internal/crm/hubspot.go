package crm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/fieldmap"
	"github.com/sells-group/leadsync/internal/model"
)

const hubspotPageSize = 100

// hubspotDefaultProperties are always requested when pulling contacts.
var hubspotDefaultProperties = []string{"email", "firstname", "lastname", "company", "phone", "lastmodifieddate"}

// HubSpot talks to the HubSpot CRM v3 objects API.
type HubSpot struct {
	*base
}

// NewHubSpot creates the HubSpot adapter.
func NewHubSpot(app config.OAuthAppConfig, opts ...Option) *HubSpot {
	b := newBase(model.ProviderHubSpot, app, opts)
	return &HubSpot{base: b}
}

// ExchangeCode trades the code and records the portal id of the account
// that granted access.
func (h *HubSpot) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Credentials, error) {
	creds, err := h.base.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var info struct {
		HubID  int64  `json:"hub_id"`
		User   string `json:"user"`
		Domain string `json:"hub_domain"`
	}
	err = h.do(ctx, request{
		method: http.MethodGet,
		url:    joinURL(h.app.BaseURL, "/oauth/v1/access-tokens/"+url.PathEscape(creds.AccessToken)),
	}, &info)
	if err != nil {
		zap.L().Warn("hubspot: token info lookup failed", zap.Error(err))
		return creds, nil
	}
	if info.HubID > 0 {
		if creds.Extra == nil {
			creds.Extra = map[string]string{}
		}
		creds.Extra[model.ExtraPortalID] = strconv.FormatInt(info.HubID, 10)
	}
	return creds, nil
}

type hubspotObject struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type hubspotPage struct {
	Results []hubspotObject `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p hubspotPage) after() string {
	if p.Paging == nil || p.Paging.Next == nil {
		return ""
	}
	return p.Paging.Next.After
}

// PullContacts lists contacts, using the search endpoint with a
// lastmodifieddate filter when since is set.
func (h *HubSpot) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, fields []string) ([]model.CanonicalContact, error) {
	props := mergeFields(hubspotDefaultProperties, fields)

	var (
		out   []model.CanonicalContact
		after string
	)
	for page := 0; page < h.pageCap; page++ {
		var resp hubspotPage
		var err error
		if since != nil {
			err = h.searchContacts(ctx, creds, *since, props, after, &resp)
		} else {
			err = h.listContacts(ctx, creds, props, after, &resp)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "hubspot: pull contacts page %d", page+1)
		}
		for _, obj := range resp.Results {
			out = append(out, hubspotContact(obj))
		}
		after = resp.after()
		if after == "" {
			return out, nil
		}
	}
	zap.L().Warn("hubspot: page cap reached", zap.Int("page_cap", h.pageCap), zap.Int("contacts", len(out)))
	return out, nil
}

func (h *HubSpot) listContacts(ctx context.Context, creds model.Credentials, props []string, after string, out *hubspotPage) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(hubspotPageSize))
	for _, p := range props {
		q.Add("properties", p)
	}
	if after != "" {
		q.Set("after", after)
	}
	return h.do(ctx, request{
		method: http.MethodGet,
		url:    joinURL(h.app.BaseURL, "/crm/v3/objects/contacts"),
		token:  creds.AccessToken,
		query:  q,
	}, out)
}

func (h *HubSpot) searchContacts(ctx context.Context, creds model.Credentials, since time.Time, props []string, after string, out *hubspotPage) error {
	body := map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]any{{
				"propertyName": "lastmodifieddate",
				"operator":     "GTE",
				"value":        strconv.FormatInt(since.UnixMilli(), 10),
			}},
		}},
		"sorts":      []map[string]any{{"propertyName": "lastmodifieddate", "direction": "ASCENDING"}},
		"properties": props,
		"limit":      hubspotPageSize,
	}
	if after != "" {
		body["after"] = after
	}
	return h.do(ctx, request{
		method: http.MethodPost,
		url:    joinURL(h.app.BaseURL, "/crm/v3/objects/contacts/search"),
		token:  creds.AccessToken,
		body:   body,
	}, out)
}

func hubspotContact(obj hubspotObject) model.CanonicalContact {
	props := obj.Properties
	if props == nil {
		props = map[string]any{}
	}
	return model.CanonicalContact{
		ExternalID:  obj.ID,
		Email:       stringValue(props["email"]),
		CompanyName: stringValue(props["company"]),
		Phone:       stringValue(props["phone"]),
		Properties:  props,
		UpdatedAt:   obj.UpdatedAt,
	}
}

// PushContact creates or updates a contact. HubSpot has no custom-field
// container so custom fields are flattened into properties.
func (h *HubSpot) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	body := map[string]any{"properties": fieldmap.Flatten(fieldmap.Forward(lead, mapping))}

	req := request{
		method: http.MethodPost,
		url:    joinURL(h.app.BaseURL, "/crm/v3/objects/contacts"),
		token:  creds.AccessToken,
		body:   body,
	}
	if externalID != "" {
		req.method = http.MethodPatch
		req.url = joinURL(h.app.BaseURL, "/crm/v3/objects/contacts/"+url.PathEscape(externalID))
	}

	var resp hubspotObject
	if err := h.do(ctx, req, &resp); err != nil {
		return "", eris.Wrapf(err, "hubspot: push lead %s", lead.ID)
	}
	if resp.ID == "" {
		return externalID, nil
	}
	return resp.ID, nil
}

// hubspotEngagementType maps the activity taxonomy onto engagement types.
// WhatsApp messages have no engagement of their own and are kept as notes.
func hubspotEngagementType(t model.ActivityType) string {
	switch t {
	case model.ActivityEmail:
		return "EMAIL"
	case model.ActivityMeeting:
		return "MEETING"
	case model.ActivityCall:
		return "CALL"
	default:
		return "NOTE"
	}
}

// PushActivity logs an engagement associated with the contact.
func (h *HubSpot) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	contactID, err := strconv.ParseInt(a.ContactExternalID, 10, 64)
	if err != nil {
		return "", eris.Wrapf(err, "hubspot: contact id %q", a.ContactExternalID)
	}

	kind := hubspotEngagementType(a.Type)
	ts := a.Timestamp.UnixMilli()
	var metadata map[string]any
	switch kind {
	case "EMAIL":
		metadata = map[string]any{"subject": a.Subject, "text": a.Body}
	case "MEETING":
		metadata = map[string]any{"title": a.Subject, "body": a.Body, "startTime": ts, "endTime": ts}
	case "CALL":
		metadata = map[string]any{"title": a.Subject, "body": a.Body, "status": "COMPLETED"}
	default:
		metadata = map[string]any{"body": noteText(a)}
	}

	body := map[string]any{
		"engagement":   map[string]any{"active": true, "type": kind, "timestamp": ts},
		"associations": map[string]any{"contactIds": []int64{contactID}},
		"metadata":     metadata,
	}

	var resp struct {
		Engagement struct {
			ID int64 `json:"id"`
		} `json:"engagement"`
	}
	err = h.do(ctx, request{
		method: http.MethodPost,
		url:    joinURL(h.app.BaseURL, "/engagements/v1/engagements"),
		token:  creds.AccessToken,
		body:   body,
	}, &resp)
	if err != nil {
		return "", eris.Wrapf(err, "hubspot: push activity for contact %s", a.ContactExternalID)
	}
	if resp.Engagement.ID == 0 {
		return "", eris.Errorf("hubspot: engagement for contact %s returned no id", a.ContactExternalID)
	}
	return strconv.FormatInt(resp.Engagement.ID, 10), nil
}

// ValidateConnection lists a single contact.
func (h *HubSpot) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	return validateCall(func() error {
		return h.do(ctx, request{
			method: http.MethodGet,
			url:    joinURL(h.app.BaseURL, "/crm/v3/objects/contacts"),
			token:  creds.AccessToken,
			query:  url.Values{"limit": {"1"}},
		}, nil)
	})
}
