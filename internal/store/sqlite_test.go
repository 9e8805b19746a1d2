package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/secure"
)

func testBox(t *testing.T) *secure.Box {
	t.Helper()
	box, err := secure.NewBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return box
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, testBox(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedConnection(t *testing.T, st *SQLiteStore, orgID string, provider model.Provider) *model.Connection {
	t.Helper()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	conn := &model.Connection{
		OrgID:    orgID,
		Provider: provider,
		Status:   model.ConnectionConnected,
		Credentials: model.Credentials{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    &exp,
			Extra:        map[string]string{model.ExtraPortalID: "42"},
		},
	}
	require.NoError(t, st.UpsertConnection(context.Background(), conn))
	return conn
}

func seedLead(t *testing.T, st *SQLiteStore, lead model.Lead) *model.Lead {
	t.Helper()
	require.NoError(t, st.CreateLead(context.Background(), &lead))
	return &lead
}

// --- Connections ---

func TestSQLite_Connection_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)
	require.NotEmpty(t, conn.ID)

	got, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, model.ProviderHubSpot, got.Provider)
	assert.Equal(t, model.ConnectionConnected, got.Status)
	assert.Equal(t, "access-1", got.Credentials.AccessToken)
	assert.Equal(t, "refresh-1", got.Credentials.RefreshToken)
	assert.Equal(t, "42", got.Credentials.Aux(model.ExtraPortalID))
	require.NotNil(t, got.Credentials.ExpiresAt)
	assert.True(t, conn.Credentials.ExpiresAt.Equal(*got.Credentials.ExpiresAt))
	assert.Nil(t, got.LastSyncAt)
}

func TestSQLite_Connection_UpsertReplacesSameKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedConnection(t, st, "org-1", model.ProviderPipedrive)

	second := &model.Connection{
		OrgID:       "org-1",
		Provider:    model.ProviderPipedrive,
		Status:      model.ConnectionConnected,
		Credentials: model.Credentials{AccessToken: "access-2"},
	}
	require.NoError(t, st.UpsertConnection(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	list, err := st.ListConnections(ctx, ConnectionFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "access-2", list[0].Credentials.AccessToken)
}

func TestSQLite_Connection_UserScoped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := &model.Connection{OrgID: "org-1", UserID: "u1", Provider: model.ProviderNotion, Status: model.ConnectionConnected}
	b := &model.Connection{OrgID: "org-1", UserID: "u2", Provider: model.ProviderNotion, Status: model.ConnectionConnected}
	require.NoError(t, st.UpsertConnection(ctx, a))
	require.NoError(t, st.UpsertConnection(ctx, b))
	assert.NotEqual(t, a.ID, b.ID)

	found, err := st.FindConnection(ctx, "org-1", "u2", model.ProviderNotion)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, b.ID, found.ID)

	missing, err := st.FindConnection(ctx, "org-1", "u3", model.ProviderNotion)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_Connection_CredentialsAreSealed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)

	var raw []byte
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT credentials FROM crm_connections WHERE id = ?`, conn.ID).Scan(&raw))
	assert.NotContains(t, string(raw), "access-1")
	assert.NotContains(t, string(raw), "refresh-1")
}

func TestSQLite_Connection_UpdateCredentials(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)
	require.NoError(t, st.UpdateCredentials(ctx, conn.ID, model.Credentials{AccessToken: "rotated", RefreshToken: "refresh-1"}))

	got, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Credentials.AccessToken)

	err = st.UpdateCredentials(ctx, "missing", model.Credentials{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Connection_UpdateStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderRDStation)
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionSyncing, nil))
	require.NoError(t, st.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionConnected, &synced))
	// A nil timestamp keeps the previous value.
	require.NoError(t, st.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionError, nil))

	got, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, got.Status)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, synced.Equal(*got.LastSyncAt))

	err = st.UpdateConnectionStatus(ctx, "missing", model.ConnectionError, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Connection_ListFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedConnection(t, st, "org-1", model.ProviderHubSpot)
	pd := seedConnection(t, st, "org-1", model.ProviderPipedrive)
	seedConnection(t, st, "org-2", model.ProviderHubSpot)
	require.NoError(t, st.UpdateConnectionStatus(ctx, pd.ID, model.ConnectionError, nil))

	all, err := st.ListConnections(ctx, ConnectionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	hub, err := st.ListConnections(ctx, ConnectionFilter{Provider: model.ProviderHubSpot})
	require.NoError(t, err)
	assert.Len(t, hub, 2)

	errored, err := st.ListConnections(ctx, ConnectionFilter{OrgID: "org-1", Status: model.ConnectionError})
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, pd.ID, errored[0].ID)
}

func TestSQLite_Connection_FieldMapping(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := &model.Connection{
		OrgID:    "org-1",
		Provider: model.ProviderRDStation,
		Status:   model.ConnectionConnected,
		FieldMapping: model.FieldMapping{
			model.EntityLeads: {"legal_name": "name", "size": "cf_porte"},
		},
	}
	require.NoError(t, st.UpsertConnection(ctx, conn))

	got, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "cf_porte", got.FieldMapping[model.EntityLeads]["size"])
}

func TestSQLite_Connection_Delete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)
	require.NoError(t, st.DeleteConnection(ctx, conn.ID))

	_, err := st.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteConnection(ctx, conn.ID), ErrNotFound)
}

func TestSQLite_Connection_WrongKeyCannotOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath, testBox(t))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)
	require.NoError(t, st.Close())

	other, err := secure.NewBox([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	st2, err := NewSQLite(dbPath, other)
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() }) //nolint:errcheck

	_, err = st2.GetConnection(ctx, conn.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open credentials")
}

// --- Leads ---

func TestSQLite_Lead_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	score := 40
	lead := seedLead(t, st, model.Lead{
		OrgID:            "org-1",
		LegalName:        "Acme Ltda",
		TaxID:            "12.345.678/0001-95",
		Email:            "Contato@Acme.com.br",
		Address:          model.Address{City: "São Paulo", State: "SP"},
		EstimatedRevenue: decimal.NewNullDecimal(decimal.RequireFromString("1250000.50")),
		Persons: []model.Person{
			{Name: "Maria", Role: "Sócia", TaxID: "***123456**", ContactEnrichment: model.ContactPending},
		},
		FitScore: &score,
	})

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltda", got.LegalName)
	assert.Equal(t, model.EnrichmentPending, got.EnrichmentStatus)
	assert.Equal(t, "São Paulo", got.Address.City)
	require.True(t, got.EstimatedRevenue.Valid)
	assert.Equal(t, "1250000.5", got.EstimatedRevenue.Decimal.String())
	require.Len(t, got.Persons, 1)
	assert.Equal(t, "Maria", got.Persons[0].Name)
	require.NotNil(t, got.FitScore)
	assert.Equal(t, 40, *got.FitScore)
	assert.Nil(t, got.EnrichedAt)
}

func TestSQLite_Lead_GetNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetLead(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Lead_Update(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, model.Lead{OrgID: "org-1", LegalName: "Old"})
	before := lead.UpdatedAt

	now := time.Now().UTC()
	lead.LegalName = "New"
	lead.EnrichmentStatus = model.EnrichmentEnriched
	lead.EnrichedAt = &now
	require.NoError(t, st.UpdateLead(ctx, lead))
	assert.False(t, lead.UpdatedAt.Before(before))

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.LegalName)
	assert.Equal(t, model.EnrichmentEnriched, got.EnrichmentStatus)
	require.NotNil(t, got.EnrichedAt)

	missing := &model.Lead{ID: "missing"}
	assert.ErrorIs(t, st.UpdateLead(ctx, missing), ErrNotFound)
}

func TestSQLite_Lead_PartialUpdates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, model.Lead{OrgID: "org-1"})

	require.NoError(t, st.UpdateEnrichmentStatus(ctx, lead.ID, model.EnrichmentEnriching))
	require.NoError(t, st.UpdatePersons(ctx, lead.ID, []model.Person{{Name: "João", ContactEnrichment: model.ContactEnriched}}))
	score := 75
	require.NoError(t, st.UpdateFitScore(ctx, lead.ID, &score))

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentEnriching, got.EnrichmentStatus)
	require.Len(t, got.Persons, 1)
	assert.Equal(t, model.ContactEnriched, got.Persons[0].ContactEnrichment)
	require.NotNil(t, got.FitScore)
	assert.Equal(t, 75, *got.FitScore)

	require.NoError(t, st.UpdateFitScore(ctx, lead.ID, nil))
	got, err = st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FitScore)

	assert.ErrorIs(t, st.UpdateEnrichmentStatus(ctx, "missing", model.EnrichmentFailed), ErrNotFound)
}

func TestSQLite_Lead_FindByTaxIDMatchesDigits(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, model.Lead{OrgID: "org-1", TaxID: "12.345.678/0001-95"})
	seedLead(t, st, model.Lead{OrgID: "org-2", TaxID: "12345678000195"})

	found, err := st.FindLeadsByTaxID(ctx, "org-1", "12345678000195")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, lead.ID, found[0].ID)

	none, err := st.FindLeadsByTaxID(ctx, "org-1", "---")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_Lead_FindByEmailCaseInsensitive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedLead(t, st, model.Lead{OrgID: "org-1", Email: "Sales@Example.com"})
	seedLead(t, st, model.Lead{OrgID: "org-1", Email: "other@example.com"})

	found, err := st.FindLeadsByEmail(ctx, "org-1", "sales@example.COM")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Sales@Example.com", found[0].Email)

	empty, err := st.FindLeadsByEmail(ctx, "org-1", "  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_Lead_ListUpdatedSince(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedLead(t, st, model.Lead{OrgID: "org-1", LegalName: "old", CreatedAt: base, UpdatedAt: base})
	seedLead(t, st, model.Lead{OrgID: "org-1", LegalName: "new", CreatedAt: base, UpdatedAt: base.Add(2 * time.Hour)})
	seedLead(t, st, model.Lead{OrgID: "org-2", LegalName: "elsewhere", CreatedAt: base, UpdatedAt: base.Add(3 * time.Hour)})

	all, err := st.ListLeadsUpdatedSince(ctx, "org-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].LegalName)

	since := base.Add(time.Hour)
	recent, err := st.ListLeadsUpdatedSince(ctx, "org-1", &since, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].LegalName)

	// Strictly after.
	exact := base.Add(2 * time.Hour)
	none, err := st.ListLeadsUpdatedSince(ctx, "org-1", &exact, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := st.ListLeadsUpdatedSince(ctx, "org-1", nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Activities and cross-references ---

func TestSQLite_Activities_UnsyncedExcludesXref(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)
	lead := seedLead(t, st, model.Lead{OrgID: "org-1"})
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	a1 := &model.Activity{OrgID: "org-1", LeadID: lead.ID, Kind: model.ActivitySent, Type: model.ActivityEmail, Subject: "hi", OccurredAt: base}
	a2 := &model.Activity{OrgID: "org-1", LeadID: lead.ID, Kind: model.ActivitySent, Type: model.ActivityCall, OccurredAt: base.Add(time.Minute)}
	a3 := &model.Activity{OrgID: "org-1", LeadID: lead.ID, Kind: model.ActivityReceived, Type: model.ActivityEmail, OccurredAt: base}
	for _, a := range []*model.Activity{a1, a2, a3} {
		require.NoError(t, st.CreateActivity(ctx, a))
	}

	unsynced, err := st.ListUnsyncedActivities(ctx, "org-1", conn.ID, model.ActivitySent, 100)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, a1.ID, unsynced[0].ID)
	assert.Equal(t, model.ActivityEmail, unsynced[0].Type)

	require.NoError(t, st.CreateXref(ctx, &model.CrossReference{
		ConnectionID: conn.ID, Kind: model.XrefActivity, LocalID: a1.ID, ExternalID: "eng-1",
	}))

	unsynced, err = st.ListUnsyncedActivities(ctx, "org-1", conn.ID, model.ActivitySent, 100)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, a2.ID, unsynced[0].ID)
}

func TestSQLite_Xref_IdempotentCreate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	conn := seedConnection(t, st, "org-1", model.ProviderHubSpot)

	none, err := st.GetXref(ctx, conn.ID, model.XrefLead, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, st.CreateXref(ctx, &model.CrossReference{ConnectionID: conn.ID, Kind: model.XrefLead, LocalID: "lead-1", ExternalID: "ext-1"}))
	require.NoError(t, st.CreateXref(ctx, &model.CrossReference{ConnectionID: conn.ID, Kind: model.XrefLead, LocalID: "lead-1", ExternalID: "ext-2"}))

	x, err := st.GetXref(ctx, conn.ID, model.XrefLead, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, x)
	assert.Equal(t, "ext-1", x.ExternalID)
	assert.Equal(t, model.XrefLead, x.Kind)
}

// --- Logs ---

func TestSQLite_SyncRuns_InsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertSyncRun(ctx, &model.SyncRun{
		ConnectionID: "conn-1", Direction: model.SyncBidirectional, RecordsSynced: 5, CreatedAt: base,
	}))
	require.NoError(t, st.InsertSyncRun(ctx, &model.SyncRun{
		ConnectionID: "conn-1", Direction: model.SyncBidirectional, RecordsSynced: 2, Errors: 1,
		ErrorDetails: []model.SyncError{{RecordID: "lead-9", Field: "email", Message: "boom"}},
		CreatedAt:    base.Add(time.Hour),
	}))
	require.NoError(t, st.InsertSyncRun(ctx, &model.SyncRun{ConnectionID: "conn-2", Direction: model.SyncBidirectional, CreatedAt: base}))

	runs, err := st.ListSyncRuns(ctx, SyncRunFilter{ConnectionID: "conn-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].RecordsSynced)
	require.Len(t, runs[0].ErrorDetails, 1)
	assert.Equal(t, "lead-9", runs[0].ErrorDetails[0].RecordID)
	assert.NotNil(t, runs[1].ErrorDetails)
	assert.Empty(t, runs[1].ErrorDetails)

	since, err := st.ListSyncRuns(ctx, SyncRunFilter{ConnectionID: "conn-1", Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestSQLite_EnrichmentAttempts_InsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		status := model.AttemptError
		if i == 3 {
			status = model.AttemptSuccess
		}
		require.NoError(t, st.InsertEnrichmentAttempt(ctx, &model.EnrichmentAttempt{
			LeadID: "lead-1", Provider: "brasilapi", Attempt: i, Status: status, DurationMs: int64(10 * i),
		}))
	}

	attempts, err := st.ListEnrichmentAttempts(ctx, AttemptFilter{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	other, err := st.ListEnrichmentAttempts(ctx, AttemptFilter{LeadID: "lead-2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLite_ScoringRules_Replace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceScoringRules(ctx, "org-1", []model.ScoringRule{
		{Field: "state", Operator: model.OpEquals, Value: "SP", Points: 20},
		{Field: "email", Operator: model.OpNotEmpty, Points: 10},
	}))
	require.NoError(t, st.ReplaceScoringRules(ctx, "org-1", []model.ScoringRule{
		{Field: "primary_activity", Operator: model.OpStartsWith, Value: "62", Points: 30},
	}))

	rules, err := st.ListScoringRules(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.OpStartsWith, rules[0].Operator)
	assert.Equal(t, "org-1", rules[0].OrgID)
	assert.Equal(t, 30, rules[0].Points)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestTimestampLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 0, 10, time.UTC)
	assert.Less(t, ts(a), ts(b))

	parsed, err := parseTS(ts(b))
	require.NoError(t, err)
	assert.True(t, b.Equal(parsed))
}
