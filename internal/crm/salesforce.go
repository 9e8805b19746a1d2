package crm

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/fieldmap"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	sfpkg "github.com/sells-group/leadsync/pkg/salesforce"
)

// salesforceRecordsPerPage approximates one REST query batch; the pull
// limit is the page cap times this.
const salesforceRecordsPerPage = 200

// salesforceTimeLayout is the layout of Salesforce datetime fields.
const salesforceTimeLayout = "2006-01-02T15:04:05.000-0700"

// Salesforce talks to an org's REST API through pkg/salesforce using the
// instance URL recorded at code exchange.
type Salesforce struct {
	*base
	newClient func(instanceURL, token string) (sfpkg.Client, error)
}

// NewSalesforce creates the Salesforce adapter.
func NewSalesforce(app config.OAuthAppConfig, opts ...Option) *Salesforce {
	b := newBase(model.ProviderSalesforce, app, opts)
	b.tokenExtras = map[string]string{"instance_url": model.ExtraInstanceURL}
	s := &Salesforce{base: b}
	s.newClient = func(instanceURL, token string) (sfpkg.Client, error) {
		var clientOpts []sfpkg.ClientOption
		if b.limiter != nil {
			clientOpts = append(clientOpts, sfpkg.WithRateLimit(float64(b.limiter.Limit())))
		}
		return sfpkg.NewFromToken(instanceURL, token, b.http.Transport, clientOpts...)
	}
	return s
}

func (s *Salesforce) client(creds model.Credentials) (sfpkg.Client, error) {
	instance := creds.Aux(model.ExtraInstanceURL)
	if instance == "" {
		return nil, eris.Wrap(resilience.ErrNotConfigured, "salesforce: credentials carry no instance url")
	}
	return s.newClient(instance, creds.AccessToken)
}

var (
	// sfStatus pulls an HTTP status out of a go-salesforce error message.
	sfStatus = regexp.MustCompile(`\b([45]\d\d)\b`)
	// sfAuthFailure matches session errors reported without a status.
	sfAuthFailure = regexp.MustCompile(`INVALID_SESSION_ID|INVALID_AUTH`)
)

// salesforceError turns a library error into an *resilience.APIError.
// go-salesforce reports failures as text, so the status is recovered from
// the message when present.
func salesforceError(err error) error {
	msg := err.Error()
	status := 0
	if m := sfStatus.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	if status == 0 && sfAuthFailure.MatchString(msg) {
		status = http.StatusUnauthorized
	}
	return resilience.NewAPIError(string(model.ProviderSalesforce), status, []byte(msg))
}

// PullContacts selects Contact records modified after since.
func (s *Salesforce) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, fields []string) ([]model.CanonicalContact, error) {
	c, err := s.client(creds)
	if err != nil {
		return nil, err
	}
	records, err := sfpkg.ListContacts(ctx, c, fields, since, s.pageCap*salesforceRecordsPerPage)
	if err != nil {
		return nil, eris.Wrap(salesforceError(err), "salesforce: pull contacts")
	}

	out := make([]model.CanonicalContact, 0, len(records))
	for _, rec := range records {
		delete(rec, "attributes")
		contact := model.CanonicalContact{
			ExternalID: stringValue(rec["Id"]),
			Email:      stringValue(rec["Email"]),
			Phone:      stringValue(rec["Phone"]),
			Properties: rec,
		}
		if acct, ok := rec["Account"].(map[string]any); ok {
			contact.CompanyName = stringValue(acct["Name"])
		}
		if ts := stringValue(rec["LastModifiedDate"]); ts != "" {
			if t, err := time.Parse(salesforceTimeLayout, ts); err == nil {
				contact.UpdatedAt = t.UTC()
			}
		}
		out = append(out, contact)
	}
	return out, nil
}

// PushContact creates or updates a Contact. Salesforce has no custom-field
// container; custom fields are flattened.
func (s *Salesforce) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	c, err := s.client(creds)
	if err != nil {
		return "", err
	}
	fields := fieldmap.Flatten(fieldmap.Forward(lead, mapping))

	if externalID != "" {
		if err := sfpkg.UpdateContact(ctx, c, externalID, fields); err != nil {
			return "", eris.Wrapf(salesforceError(err), "salesforce: push lead %s", lead.ID)
		}
		return externalID, nil
	}

	if name, _ := fields["LastName"].(string); name == "" {
		fields["LastName"] = firstNonEmpty(lead.LegalName, lead.TradeName, lead.TaxID)
	}
	id, err := sfpkg.CreateContact(ctx, c, fields)
	if err != nil {
		return "", eris.Wrapf(salesforceError(err), "salesforce: push lead %s", lead.ID)
	}
	return id, nil
}

// PushActivity logs a Task, or an Event for meetings.
func (s *Salesforce) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	c, err := s.client(creds)
	if err != nil {
		return "", err
	}

	ts := a.Timestamp.UTC()
	var id string
	if a.Type == model.ActivityMeeting {
		id, err = sfpkg.CreateEvent(ctx, c, map[string]any{
			"WhoId":         a.ContactExternalID,
			"Subject":       a.Subject,
			"Description":   a.Body,
			"StartDateTime": ts.Format(time.RFC3339),
			"EndDateTime":   ts.Format(time.RFC3339),
		})
	} else {
		id, err = sfpkg.CreateTask(ctx, c, map[string]any{
			"WhoId":        a.ContactExternalID,
			"Subject":      a.Subject,
			"Description":  salesforceDescription(a),
			"ActivityDate": ts.Format("2006-01-02"),
			"Status":       "Completed",
			"TaskSubtype":  salesforceTaskSubtype(a.Type),
		})
	}
	if err != nil {
		return "", eris.Wrapf(salesforceError(err), "salesforce: push activity for contact %s", a.ContactExternalID)
	}
	return id, nil
}

func salesforceTaskSubtype(t model.ActivityType) string {
	switch t {
	case model.ActivityEmail:
		return "Email"
	case model.ActivityCall:
		return "Call"
	default:
		return "Task"
	}
}

func salesforceDescription(a model.CanonicalActivity) string {
	if a.Type == model.ActivityWhatsApp {
		return noteText(a)
	}
	return a.Body
}

// ValidateConnection describes the Contact object.
func (s *Salesforce) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	c, err := s.client(creds)
	if err != nil {
		return false, err
	}
	return validateCall(func() error {
		if _, err := c.DescribeSObject(ctx, "Contact"); err != nil {
			return salesforceError(err)
		}
		return nil
	})
}
