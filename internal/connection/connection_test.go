package connection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/crm"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/internal/secure"
	"github.com/sells-group/leadsync/internal/store"
)

type mockAdapter struct {
	mock.Mock
	provider model.Provider
}

func (m *mockAdapter) Provider() model.Provider { return m.provider }

func (m *mockAdapter) AuthURL(redirectURI, state string) (string, error) {
	args := m.Called(redirectURI, state)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Credentials, error) {
	args := m.Called(ctx, code, redirectURI)
	creds, _ := args.Get(0).(*model.Credentials)
	return creds, args.Error(1)
}

func (m *mockAdapter) RefreshToken(ctx context.Context, creds model.Credentials) (*model.Credentials, error) {
	args := m.Called(ctx, creds)
	next, _ := args.Get(0).(*model.Credentials)
	return next, args.Error(1)
}

func (m *mockAdapter) PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, fields []string) ([]model.CanonicalContact, error) {
	args := m.Called(ctx, creds, since, fields)
	contacts, _ := args.Get(0).([]model.CanonicalContact)
	return contacts, args.Error(1)
}

func (m *mockAdapter) PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error) {
	args := m.Called(ctx, creds, lead, mapping, externalID)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) PushActivity(ctx context.Context, creds model.Credentials, a model.CanonicalActivity) (string, error) {
	args := m.Called(ctx, creds, a)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error) {
	args := m.Called(ctx, creds)
	return args.Bool(0), args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	box, err := secure.NewBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "conn.db"), box)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *mockAdapter) {
	t.Helper()
	st := newTestStore(t)
	adapter := &mockAdapter{provider: model.ProviderHubSpot}
	return NewService(st, crm.NewRegistry(adapter)), st, adapter
}

func TestAuthorizeURL(t *testing.T) {
	svc, _, adapter := newTestService(t)
	adapter.On("AuthURL", "https://app/cb", "state-1").Return("https://hub/authorize?x=1", nil)

	u, err := svc.AuthorizeURL(model.ProviderHubSpot, "https://app/cb", "state-1")
	require.NoError(t, err)
	assert.Equal(t, "https://hub/authorize?x=1", u)

	_, err = svc.AuthorizeURL(model.ProviderPipedrive, "https://app/cb", "state-1")
	assert.Error(t, err)
}

func TestAuthorizeURL_NotConfigured(t *testing.T) {
	svc, _, adapter := newTestService(t)
	adapter.On("AuthURL", mock.Anything, mock.Anything).Return("", resilience.ErrNotConfigured)

	_, err := svc.AuthorizeURL(model.ProviderHubSpot, "https://app/cb", "s")
	require.Error(t, err)
	assert.True(t, resilience.IsConfiguration(err))
}

func TestComplete_NewConnection(t *testing.T) {
	ctx := context.Background()
	svc, st, adapter := newTestService(t)

	exp := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	creds := &model.Credentials{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &exp}
	adapter.On("ExchangeCode", mock.Anything, "code-1", "https://app/cb").Return(creds, nil)
	adapter.On("ValidateConnection", mock.Anything, *creds).Return(true, nil)

	conn, err := svc.Complete(ctx, CompleteRequest{
		OrgID: "org-1", UserID: "user-1", Provider: model.ProviderHubSpot,
		Code: "code-1", RedirectURI: "https://app/cb",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, model.ConnectionConnected, conn.Status)
	assert.Empty(t, conn.UserID, "hubspot connections are org scoped")

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.Credentials.AccessToken)
	assert.Equal(t, "rt-1", stored.Credentials.RefreshToken)
	adapter.AssertExpectations(t)
}

func TestComplete_PreservesRefreshTokenOnReauthorization(t *testing.T) {
	ctx := context.Background()
	svc, st, adapter := newTestService(t)

	lastSync := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	prev := &model.Connection{
		OrgID:    "org-1",
		Provider: model.ProviderHubSpot,
		Status:   model.ConnectionError,
		Credentials: model.Credentials{
			AccessToken:  "old-at",
			RefreshToken: "stored-rt",
			Extra:        map[string]string{model.ExtraPortalID: "42"},
		},
		LastSyncAt:   &lastSync,
		FieldMapping: model.FieldMapping{model.EntityLeads: {"tax_id": "cf_cnpj"}},
	}
	require.NoError(t, st.UpsertConnection(ctx, prev))

	adapter.On("ExchangeCode", mock.Anything, "code-2", "").
		Return(&model.Credentials{AccessToken: "new-at", RefreshToken: ""}, nil)
	adapter.On("ValidateConnection", mock.Anything, mock.MatchedBy(func(c model.Credentials) bool {
		return c.AccessToken == "new-at" && c.RefreshToken == "stored-rt"
	})).Return(true, nil)

	conn, err := svc.Complete(ctx, CompleteRequest{OrgID: "org-1", Provider: model.ProviderHubSpot, Code: "code-2"})
	require.NoError(t, err)
	assert.Equal(t, prev.ID, conn.ID)

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-at", stored.Credentials.AccessToken)
	assert.Equal(t, "stored-rt", stored.Credentials.RefreshToken)
	assert.Equal(t, "42", stored.Credentials.Aux(model.ExtraPortalID))
	assert.Equal(t, model.ConnectionConnected, stored.Status)
	assert.Equal(t, map[string]string{"tax_id": "cf_cnpj"}, stored.FieldMapping[model.EntityLeads])
	require.NotNil(t, stored.LastSyncAt)
	assert.True(t, lastSync.Equal(*stored.LastSyncAt))
}

func TestComplete_ValidationRejectedStoresErrorStatus(t *testing.T) {
	ctx := context.Background()
	svc, st, adapter := newTestService(t)

	adapter.On("ExchangeCode", mock.Anything, "code", "").Return(&model.Credentials{AccessToken: "at"}, nil)
	adapter.On("ValidateConnection", mock.Anything, mock.Anything).Return(false, nil)

	conn, err := svc.Complete(ctx, CompleteRequest{OrgID: "org-1", Provider: model.ProviderHubSpot, Code: "code"})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, conn.Status)

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, stored.Status)
}

func TestComplete_ValidationFailureStoresErrorStatus(t *testing.T) {
	svc, _, adapter := newTestService(t)

	adapter.On("ExchangeCode", mock.Anything, "code", "").Return(&model.Credentials{AccessToken: "at"}, nil)
	adapter.On("ValidateConnection", mock.Anything, mock.Anything).
		Return(false, resilience.NewAPIError("hubspot", 503, []byte("down")))

	conn, err := svc.Complete(context.Background(), CompleteRequest{OrgID: "org-1", Provider: model.ProviderHubSpot, Code: "code"})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, conn.Status)
}

func TestComplete_ExchangeFailure(t *testing.T) {
	ctx := context.Background()
	svc, st, adapter := newTestService(t)

	adapter.On("ExchangeCode", mock.Anything, "bad", "").
		Return(nil, resilience.NewAPIError("hubspot", 400, []byte(`{"error":"invalid_grant"}`)))

	_, err := svc.Complete(ctx, CompleteRequest{OrgID: "org-1", Provider: model.ProviderHubSpot, Code: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange code")

	conns, err := st.ListConnections(ctx, store.ConnectionFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, conns)
	adapter.AssertNotCalled(t, "ValidateConnection", mock.Anything, mock.Anything)
}

func TestComplete_InputValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Complete(ctx, CompleteRequest{Provider: model.ProviderHubSpot, Code: "c"})
	assert.ErrorContains(t, err, "org id")

	_, err = svc.Complete(ctx, CompleteRequest{OrgID: "o", Provider: model.ProviderHubSpot})
	assert.ErrorContains(t, err, "authorization code")

	_, err = svc.Complete(ctx, CompleteRequest{OrgID: "o", Provider: "zoho", Code: "c"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	conn := &model.Connection{
		OrgID:       "org-1",
		Provider:    model.ProviderHubSpot,
		Status:      model.ConnectionConnected,
		Credentials: model.Credentials{AccessToken: "at", RefreshToken: "rt"},
	}
	require.NoError(t, st.UpsertConnection(ctx, conn))

	require.NoError(t, svc.Disconnect(ctx, conn.ID))

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionDisconnected, stored.Status)
	assert.Empty(t, stored.Credentials.AccessToken)
	assert.Empty(t, stored.Credentials.RefreshToken)
}

func TestDisconnect_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Disconnect(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	conn := &model.Connection{OrgID: "org-1", Provider: model.ProviderHubSpot, Status: model.ConnectionConnected}
	require.NoError(t, st.UpsertConnection(ctx, conn))
	require.NoError(t, svc.Remove(ctx, conn.ID))

	_, err := st.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, svc.Remove(ctx, conn.ID), store.ErrNotFound)
}

func TestNewState(t *testing.T) {
	a, b := NewState(), NewState()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
