package crm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/fieldmap"
	"github.com/sells-group/leadsync/internal/model"
)

const (
	pipedrivePageSize = 100
	// pipedriveTimeLayout is the UTC layout Pipedrive uses for timestamps.
	pipedriveTimeLayout = "2006-01-02 15:04:05"
)

// Pipedrive talks to the Pipedrive v1 API on the company's api_domain.
type Pipedrive struct {
	*base
}

// NewPipedrive creates the Pipedrive adapter.
func NewPipedrive(app config.OAuthAppConfig, opts ...Option) *Pipedrive {
	b := newBase(model.ProviderPipedrive, app, opts)
	b.authStyle = authInHeader
	b.tokenExtras = map[string]string{"api_domain": model.ExtraAPIDomain}
	return &Pipedrive{base: b}
}

// apiURL resolves path against the company domain recorded at exchange,
// falling back to the configured base URL.
func (p *Pipedrive) apiURL(creds model.Credentials, path string) string {
	domain := creds.Aux(model.ExtraAPIDomain)
	if domain == "" {
		domain = p.app.BaseURL
	}
	return joinURL(domain, path)
}

type pipedrivePagination struct {
	More      bool `json:"more_items_in_collection"`
	NextStart int  `json:"next_start"`
}

type pipedriveList struct {
	Success        bool             `json:"success"`
	Data           []map[string]any `json:"data"`
	AdditionalData struct {
		Pagination pipedrivePagination `json:"pagination"`
	} `json:"additional_data"`
}

// PullContacts pages through persons. With since set it reads the recents
// feed restricted to persons.
func (p *Pipedrive) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, _ []string) ([]model.CanonicalContact, error) {
	var out []model.CanonicalContact
	start := 0
	for page := 0; page < p.pageCap; page++ {
		q := url.Values{}
		q.Set("start", strconv.Itoa(start))
		q.Set("limit", strconv.Itoa(pipedrivePageSize))
		path := "/v1/persons"
		if since != nil {
			path = "/v1/recents"
			q.Set("items", "person")
			q.Set("since_timestamp", since.UTC().Format(pipedriveTimeLayout))
		}

		var resp pipedriveList
		err := p.do(ctx, request{
			method: http.MethodGet,
			url:    p.apiURL(creds, path),
			token:  creds.AccessToken,
			query:  q,
		}, &resp)
		if err != nil {
			return nil, eris.Wrapf(err, "pipedrive: pull contacts page %d", page+1)
		}

		for _, item := range resp.Data {
			person := item
			if since != nil {
				// Recents wrap the record: {"item": "person", "id": 1, "data": {...}}.
				inner, ok := item["data"].(map[string]any)
				if !ok {
					continue
				}
				person = inner
			}
			out = append(out, pipedriveContact(person))
		}

		pg := resp.AdditionalData.Pagination
		if !pg.More {
			return out, nil
		}
		start = pg.NextStart
	}
	zap.L().Warn("pipedrive: page cap reached", zap.Int("page_cap", p.pageCap), zap.Int("contacts", len(out)))
	return out, nil
}

func pipedriveContact(person map[string]any) model.CanonicalContact {
	c := model.CanonicalContact{
		ExternalID: stringValue(person["id"]),
		Email:      pipedrivePrimary(person["email"]),
		Phone:      pipedrivePrimary(person["phone"]),
		Properties: make(map[string]any, len(person)),
	}
	for k, v := range person {
		c.Properties[k] = v
	}
	// Multi-value fields reach the field mapping as their primary scalar.
	c.Properties["email"] = c.Email
	c.Properties["phone"] = c.Phone
	c.CompanyName = stringValue(person["org_name"])
	if c.CompanyName == "" {
		if org, ok := person["org_id"].(map[string]any); ok {
			c.CompanyName = stringValue(org["name"])
		}
	}
	if ts := stringValue(person["update_time"]); ts != "" {
		if t, err := time.Parse(pipedriveTimeLayout, ts); err == nil {
			c.UpdatedAt = t.UTC()
		}
	}
	return c
}

// pipedrivePrimary picks the primary value of a Pipedrive multi-value
// field ([{"value": "...", "primary": true}]), else the first non-empty one.
func pipedrivePrimary(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		first := ""
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			val := stringValue(m["value"])
			if val == "" {
				continue
			}
			if primary, _ := m["primary"].(bool); primary {
				return val
			}
			if first == "" {
				first = val
			}
		}
		return first
	}
	return ""
}

type pipedriveItem struct {
	Success bool `json:"success"`
	Data    struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

// PushContact creates or updates a person. Pipedrive requires a name on
// create, so the lead's legal or trade name fills it when unmapped.
func (p *Pipedrive) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	payload := fieldmap.Flatten(fieldmap.Forward(lead, mapping))
	if externalID == "" {
		if name, _ := payload["name"].(string); strings.TrimSpace(name) == "" {
			payload["name"] = firstNonEmpty(lead.LegalName, lead.TradeName, lead.Email, lead.TaxID)
		}
	}

	req := request{
		method: http.MethodPost,
		url:    p.apiURL(creds, "/v1/persons"),
		token:  creds.AccessToken,
		body:   payload,
	}
	if externalID != "" {
		req.method = http.MethodPut
		req.url = p.apiURL(creds, "/v1/persons/"+url.PathEscape(externalID))
	}

	var resp pipedriveItem
	if err := p.do(ctx, req, &resp); err != nil {
		return "", eris.Wrapf(err, "pipedrive: push lead %s", lead.ID)
	}
	if resp.Data.ID == 0 {
		return externalID, nil
	}
	return strconv.FormatInt(resp.Data.ID, 10), nil
}

// pipedriveActivityType maps the activity taxonomy onto Pipedrive's
// built-in activity types.
func pipedriveActivityType(t model.ActivityType) string {
	switch t {
	case model.ActivityEmail:
		return "email"
	case model.ActivityMeeting:
		return "meeting"
	case model.ActivityCall:
		return "call"
	default:
		return "task"
	}
}

// PushActivity records a done activity linked to the person.
func (p *Pipedrive) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	personID, err := strconv.ParseInt(a.ContactExternalID, 10, 64)
	if err != nil {
		return "", eris.Wrapf(err, "pipedrive: person id %q", a.ContactExternalID)
	}

	ts := a.Timestamp.UTC()
	note := a.Body
	if a.Type == model.ActivityWhatsApp {
		note = noteText(a)
	}
	body := map[string]any{
		"subject":   a.Subject,
		"type":      pipedriveActivityType(a.Type),
		"note":      note,
		"due_date":  ts.Format("2006-01-02"),
		"due_time":  ts.Format("15:04"),
		"person_id": personID,
		"done":      1,
	}

	var resp pipedriveItem
	err = p.do(ctx, request{
		method: http.MethodPost,
		url:    p.apiURL(creds, "/v1/activities"),
		token:  creds.AccessToken,
		body:   body,
	}, &resp)
	if err != nil {
		return "", eris.Wrapf(err, "pipedrive: push activity for person %s", a.ContactExternalID)
	}
	if resp.Data.ID == 0 {
		return "", eris.Errorf("pipedrive: activity for person %s returned no id", a.ContactExternalID)
	}
	return strconv.FormatInt(resp.Data.ID, 10), nil
}

// ValidateConnection reads the authorizing user.
func (p *Pipedrive) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	return validateCall(func() error {
		return p.do(ctx, request{
			method: http.MethodGet,
			url:    p.apiURL(creds, "/v1/users/me"),
			token:  creds.AccessToken,
		}, nil)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
