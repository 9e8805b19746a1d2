package crm

import (
	"context"
	"sync"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/fieldmap"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/pkg/notion"
)

// Notion treats a Notion database as the contact list: pages are contacts,
// columns are properties and comments carry activities. The database is
// the template duplicated during authorization.
type Notion struct {
	*base
	newClient func(token string) notion.Client

	mu      sync.Mutex
	schemas map[string]map[string]notionapi.PropertyConfigType
}

// NewNotion creates the Notion adapter. Notion tokens carry no refresh
// token and no expiry.
func NewNotion(app config.OAuthAppConfig, opts ...Option) *Notion {
	b := newBase(model.ProviderNotion, app, opts)
	b.authStyle = authInHeader
	b.authParams = map[string]string{"owner": "user"}
	b.tokenExtras = map[string]string{
		"workspace_id":           model.ExtraWorkspaceID,
		"duplicated_template_id": model.ExtraDatabaseID,
	}
	n := &Notion{base: b, schemas: map[string]map[string]notionapi.PropertyConfigType{}}
	n.newClient = func(token string) notion.Client {
		var rps float64
		if b.limiter != nil {
			rps = float64(b.limiter.Limit())
		}
		return notion.NewClient(token, notion.WithRateLimit(rps), notion.WithHTTPClient(b.http))
	}
	return n
}

func databaseID(creds model.Credentials) (string, error) {
	id := creds.Aux(model.ExtraDatabaseID)
	if id == "" {
		return "", eris.Wrap(resilience.ErrNotConfigured, "notion: credentials carry no database id")
	}
	return id, nil
}

// PullContacts reads database pages edited since since.
func (n *Notion) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, _ []string) ([]model.CanonicalContact, error) {
	dbID, err := databaseID(creds)
	if err != nil {
		return nil, err
	}
	pages, truncated, err := notion.QueryPages(ctx, n.newClient(creds.AccessToken), dbID, notion.EditedSince(since), n.pageCap)
	if err != nil {
		return nil, eris.Wrap(err, "notion: pull contacts")
	}
	if truncated {
		zap.L().Warn("notion: page cap reached", zap.Int("page_cap", n.pageCap), zap.Int("contacts", len(pages)))
	}

	out := make([]model.CanonicalContact, 0, len(pages))
	for _, p := range pages {
		props := notion.PlainProperties(p.Properties)
		out = append(out, model.CanonicalContact{
			ExternalID:  p.ID.String(),
			Email:       stringValue(props["Email"]),
			CompanyName: stringValue(props["Name"]),
			Phone:       stringValue(props["Phone"]),
			Properties:  props,
			UpdatedAt:   p.LastEditedTime,
		})
	}
	return out, nil
}

// schema returns the column types of dbID, cached per adapter.
func (n *Notion) schema(ctx context.Context, c notion.Client, dbID string) (map[string]notionapi.PropertyConfigType, error) {
	n.mu.Lock()
	cached, ok := n.schemas[dbID]
	n.mu.Unlock()
	if ok {
		return cached, nil
	}

	db, err := c.GetDatabase(ctx, dbID)
	if err != nil {
		return nil, err
	}
	s := notion.Schema(db)

	n.mu.Lock()
	n.schemas[dbID] = s
	n.mu.Unlock()
	return s, nil
}

// PushContact creates or updates a page. Values are written according to
// the column type; columns missing from the database are skipped.
func (n *Notion) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	dbID, err := databaseID(creds)
	if err != nil {
		return "", err
	}
	c := n.newClient(creds.AccessToken)
	schema, err := n.schema(ctx, c, dbID)
	if err != nil {
		return "", eris.Wrapf(err, "notion: push lead %s", lead.ID)
	}

	props := notionapi.Properties{}
	for column, value := range fieldmap.Flatten(fieldmap.Forward(lead, mapping)) {
		kind, ok := schema[column]
		if !ok {
			zap.L().Debug("notion: column not in database", zap.String("column", column))
			continue
		}
		if p, ok := notion.BuildProperty(kind, stringValue(value)); ok {
			props[column] = p
		}
	}

	if externalID != "" {
		if _, err := c.UpdatePage(ctx, externalID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return "", eris.Wrapf(err, "notion: push lead %s", lead.ID)
		}
		return externalID, nil
	}

	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: push lead %s", lead.ID)
	}
	return page.ID.String(), nil
}

// PushActivity adds a comment to the contact's page.
func (n *Notion) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	comment, err := n.newClient(creds.AccessToken).CreateComment(ctx, a.ContactExternalID, noteText(a))
	if err != nil {
		return "", eris.Wrapf(err, "notion: push activity for page %s", a.ContactExternalID)
	}
	return comment.ID.String(), nil
}

// ValidateConnection reads the database schema.
func (n *Notion) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	dbID, err := databaseID(creds)
	if err != nil {
		return false, err
	}
	return validateCall(func() error {
		_, err := n.newClient(creds.AccessToken).GetDatabase(ctx, dbID)
		return err
	})
}
