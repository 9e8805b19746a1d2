package crm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/pkg/notion"
)

// mockNotion implements notion.Client.
type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error) {
	args := m.Called(ctx, dbID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Database), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) CreateComment(ctx context.Context, pageID, text string) (*notionapi.Comment, error) {
	args := m.Called(ctx, pageID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Comment), args.Error(1)
}

var notionCreds = model.Credentials{
	AccessToken: "secret_abc",
	Extra:       map[string]string{model.ExtraDatabaseID: "db-1"},
}

func newTestNotion(mc *mockNotion) *Notion {
	n := NewNotion(config.OAuthAppConfig{}, WithoutRateLimit())
	n.newClient = func(string) notion.Client { return mc }
	return n
}

func leadsDatabase() *notionapi.Database {
	return &notionapi.Database{
		Properties: notionapi.PropertyConfigs{
			"Name":      &notionapi.TitlePropertyConfig{Type: notionapi.PropertyConfigTypeTitle},
			"Email":     &notionapi.EmailPropertyConfig{Type: notionapi.PropertyConfigTypeEmail},
			"CNPJ":      &notionapi.RichTextPropertyConfig{Type: notionapi.PropertyConfigTypeRichText},
			"Fit Score": &notionapi.NumberPropertyConfig{Type: notionapi.PropertyConfigTypeNumber},
		},
	}
}

func TestNotion_RequiresDatabaseID(t *testing.T) {
	n := newTestNotion(new(mockNotion))
	_, err := n.PullContacts(context.Background(), model.Credentials{AccessToken: "x"}, nil, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsConfiguration(err))

	ok, err := n.ValidateConnection(context.Background(), model.Credentials{AccessToken: "x"})
	assert.False(t, ok)
	assert.True(t, resilience.IsConfiguration(err))
}

func TestNotion_ExchangeRecordsTemplateDatabase(t *testing.T) {
	_, app := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		assert.True(t, ok)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":           "secret_abc",
			"token_type":             "bearer",
			"workspace_id":           "ws-1",
			"duplicated_template_id": "db-42",
		})
	})

	creds, err := NewNotion(app, WithoutRateLimit()).ExchangeCode(context.Background(), "c", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, "db-42", creds.Aux(model.ExtraDatabaseID))
	assert.Equal(t, "ws-1", creds.Aux(model.ExtraWorkspaceID))
	assert.Empty(t, creds.RefreshToken)
	assert.Nil(t, creds.ExpiresAt)
}

func TestNotion_PullContacts(t *testing.T) {
	mc := new(mockNotion)
	edited := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	since := edited.Add(-24 * time.Hour)

	mc.On("QueryDatabase", mock.Anything, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		_, ok := req.Filter.(notionapi.TimestampFilter)
		return ok
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{
			ID:             "page-1",
			LastEditedTime: edited,
			Properties: notionapi.Properties{
				"Name":  &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: "Acme"}}},
				"Email": &notionapi.EmailProperty{Email: "contato@acme.com.br"},
				"CNPJ":  &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "12345678000195"}}},
			},
		}},
	}, nil).Once()

	contacts, err := newTestNotion(mc).PullContacts(context.Background(), notionCreds, &since, nil)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	c := contacts[0]
	assert.Equal(t, "page-1", c.ExternalID)
	assert.Equal(t, "Acme", c.CompanyName)
	assert.Equal(t, "contato@acme.com.br", c.Email)
	assert.Equal(t, "12345678000195", c.Properties["CNPJ"])
	assert.Equal(t, edited, c.UpdatedAt)
	mc.AssertExpectations(t)
}

func TestNotion_PushWritesTypedColumnsAndCachesSchema(t *testing.T) {
	mc := new(mockNotion)
	mc.On("GetDatabase", mock.Anything, "db-1").Return(leadsDatabase(), nil).Once()

	var created *notionapi.PageCreateRequest
	mc.On("CreatePage", mock.Anything, mock.AnythingOfType("*notionapi.PageCreateRequest")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*notionapi.PageCreateRequest) }).
		Return(&notionapi.Page{ID: "page-new"}, nil).Once()
	mc.On("UpdatePage", mock.Anything, "page-new", mock.AnythingOfType("*notionapi.PageUpdateRequest")).
		Return(&notionapi.Page{ID: "page-new"}, nil).Once()

	score := 80
	lead := &model.Lead{ID: "l1", LegalName: "Acme", TaxID: "123", FitScore: &score, Phone: "+5511"}
	mapping := map[string]string{"legal_name": "Name", "tax_id": "CNPJ", "fit_score": "Fit Score", "phone": "Phone"}
	n := newTestNotion(mc)

	id, err := n.PushContact(context.Background(), notionCreds, lead, mapping, "")
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)

	require.NotNil(t, created)
	assert.Equal(t, notionapi.DatabaseID("db-1"), created.Parent.DatabaseID)
	assert.IsType(t, notionapi.TitleProperty{}, created.Properties["Name"])
	assert.IsType(t, notionapi.RichTextProperty{}, created.Properties["CNPJ"])
	assert.InDelta(t, 80.0, created.Properties["Fit Score"].(notionapi.NumberProperty).Number, 0.001)
	assert.NotContains(t, created.Properties, "Phone", "column absent from the database is skipped")

	id, err = n.PushContact(context.Background(), notionCreds, lead, mapping, "page-new")
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)
	mc.AssertExpectations(t)
}

func TestNotion_PushActivityAsComment(t *testing.T) {
	mc := new(mockNotion)
	mc.On("CreateComment", mock.Anything, "page-1", "[meeting] Demo\n\nAgenda").
		Return(&notionapi.Comment{ID: "comment-1"}, nil).Once()

	id, err := newTestNotion(mc).PushActivity(context.Background(), notionCreds, model.CanonicalActivity{
		ContactExternalID: "page-1", Type: model.ActivityMeeting, Subject: "Demo", Body: "Agenda",
	})
	require.NoError(t, err)
	assert.Equal(t, "comment-1", id)
	mc.AssertExpectations(t)
}

func TestNotion_ValidateUnauthorized(t *testing.T) {
	mc := new(mockNotion)
	mc.On("GetDatabase", mock.Anything, "db-1").
		Return(nil, resilience.NewAPIError("notion", http.StatusUnauthorized, []byte("unauthorized"))).Once()

	ok, err := newTestNotion(mc).ValidateConnection(context.Background(), notionCreds)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotion_ValidateOtherFailure(t *testing.T) {
	mc := new(mockNotion)
	mc.On("GetDatabase", mock.Anything, "db-1").Return(nil, errors.New("boom")).Once()

	ok, err := newTestNotion(mc).ValidateConnection(context.Background(), notionCreds)
	require.Error(t, err)
	assert.False(t, ok)
}
