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

const rdstationPageSize = 100

// RDStation talks to the RD Station CRM v2 API. It is the one provider
// with a native custom-field container, so payloads keep custom_fields
// nested.
type RDStation struct {
	*base
}

// NewRDStation creates the RD Station adapter.
func NewRDStation(app config.OAuthAppConfig, opts ...Option) *RDStation {
	b := newBase(model.ProviderRDStation, app, opts)
	return &RDStation{base: b}
}

type rdContact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Emails []struct {
		Email string `json:"email"`
	} `json:"emails"`
	Phones []struct {
		Phone string `json:"phone"`
	} `json:"phones"`
	Organization *struct {
		Name string `json:"name"`
	} `json:"organization"`
	UpdatedAt time.Time `json:"updated_at"`
}

type rdPage struct {
	Data  []map[string]any `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// PullContacts pages through contacts, filtered on updated_at when since
// is set.
func (r *RDStation) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, _ []string) ([]model.CanonicalContact, error) {
	var out []model.CanonicalContact
	for page := 1; page <= r.pageCap; page++ {
		q := url.Values{}
		q.Set("page[number]", strconv.Itoa(page))
		q.Set("page[size]", strconv.Itoa(rdstationPageSize))
		if since != nil {
			q.Set("filter", "updated_at>="+since.UTC().Format(time.RFC3339))
		}

		var resp rdPage
		err := r.do(ctx, request{
			method: http.MethodGet,
			url:    joinURL(r.app.BaseURL, "/crm/v2/contacts"),
			token:  creds.AccessToken,
			query:  q,
		}, &resp)
		if err != nil {
			return nil, eris.Wrapf(err, "rdstation: pull contacts page %d", page)
		}
		for _, raw := range resp.Data {
			c, err := rdstationContact(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if resp.Links.Next == "" || len(resp.Data) < rdstationPageSize {
			return out, nil
		}
	}
	zap.L().Warn("rdstation: page cap reached", zap.Int("page_cap", r.pageCap), zap.Int("contacts", len(out)))
	return out, nil
}

func rdstationContact(raw map[string]any) (model.CanonicalContact, error) {
	var typed rdContact
	if err := remarshal(raw, &typed); err != nil {
		return model.CanonicalContact{}, eris.Wrap(err, "rdstation: decode contact")
	}
	c := model.CanonicalContact{
		ExternalID: typed.ID,
		Properties: raw,
		UpdatedAt:  typed.UpdatedAt,
	}
	if len(typed.Emails) > 0 {
		c.Email = typed.Emails[0].Email
	}
	if len(typed.Phones) > 0 {
		c.Phone = typed.Phones[0].Phone
	}
	if typed.Organization != nil {
		c.CompanyName = typed.Organization.Name
	}
	return c, nil
}

// rdstationPayload reshapes the flat email and phone fields into the
// list form the API expects. custom_fields stays nested.
func rdstationPayload(lead *model.Lead, mapping map[string]string) map[string]any {
	payload := fieldmap.Forward(lead, mapping)
	if email, ok := payload["email"].(string); ok {
		delete(payload, "email")
		payload["emails"] = []map[string]string{{"email": email}}
	}
	if phone, ok := payload["phone"].(string); ok {
		delete(payload, "phone")
		payload["phones"] = []map[string]string{{"phone": phone}}
	}
	return payload
}

// PushContact creates or updates a contact.
func (r *RDStation) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	req := request{
		method: http.MethodPost,
		url:    joinURL(r.app.BaseURL, "/crm/v2/contacts"),
		token:  creds.AccessToken,
		body:   map[string]any{"data": rdstationPayload(lead, mapping)},
	}
	if externalID != "" {
		req.method = http.MethodPut
		req.url = joinURL(r.app.BaseURL, "/crm/v2/contacts/"+url.PathEscape(externalID))
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := r.do(ctx, req, &resp); err != nil {
		return "", eris.Wrapf(err, "rdstation: push lead %s", lead.ID)
	}
	if resp.Data.ID == "" {
		return externalID, nil
	}
	return resp.Data.ID, nil
}

// rdstationActivityType maps the taxonomy. RD Station supports WhatsApp
// natively; anything unknown becomes a note.
func rdstationActivityType(t model.ActivityType) string {
	switch t {
	case model.ActivityEmail, model.ActivityWhatsApp, model.ActivityMeeting, model.ActivityCall:
		return string(t)
	default:
		return "note"
	}
}

// PushActivity records an activity on the contact.
func (r *RDStation) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	body := map[string]any{"data": map[string]any{
		"type":       rdstationActivityType(a.Type),
		"subject":    a.Subject,
		"text":       a.Body,
		"contact_id": a.ContactExternalID,
		"date":       a.Timestamp.UTC().Format(time.RFC3339),
	}}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := r.do(ctx, request{
		method: http.MethodPost,
		url:    joinURL(r.app.BaseURL, "/crm/v2/activities"),
		token:  creds.AccessToken,
		body:   body,
	}, &resp)
	if err != nil {
		return "", eris.Wrapf(err, "rdstation: push activity for contact %s", a.ContactExternalID)
	}
	return resp.Data.ID, nil
}

// ValidateConnection lists one contact.
func (r *RDStation) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	return validateCall(func() error {
		return r.do(ctx, request{
			method: http.MethodGet,
			url:    joinURL(r.app.BaseURL, "/crm/v2/contacts"),
			token:  creds.AccessToken,
			query:  url.Values{"page[size]": {"1"}},
		}, nil)
	})
}
