package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, sealer Sealer) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, sealer: sealer}, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func intPtr(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS crm_connections (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	credentials   BLOB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'connected',
	last_sync_at  TEXT,
	field_mapping TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE (org_id, user_id, provider)
);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL,
	legal_name          TEXT NOT NULL DEFAULT '',
	trade_name          TEXT NOT NULL DEFAULT '',
	tax_id              TEXT NOT NULL DEFAULT '',
	tax_id_digits       TEXT NOT NULL DEFAULT '',
	email               TEXT NOT NULL DEFAULT '',
	phone               TEXT NOT NULL DEFAULT '',
	website             TEXT NOT NULL DEFAULT '',
	street              TEXT NOT NULL DEFAULT '',
	number              TEXT NOT NULL DEFAULT '',
	complement          TEXT NOT NULL DEFAULT '',
	district            TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT '',
	zip_code            TEXT NOT NULL DEFAULT '',
	size                TEXT NOT NULL DEFAULT '',
	primary_activity    TEXT NOT NULL DEFAULT '',
	registration_status TEXT NOT NULL DEFAULT '',
	estimated_revenue   TEXT,
	persons             TEXT,
	enrichment_status   TEXT NOT NULL DEFAULT 'pending',
	enriched_at         TEXT,
	fit_score           INTEGER,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_org_tax ON leads(org_id, tax_id_digits);
CREATE INDEX IF NOT EXISTS idx_leads_org_updated ON leads(org_id, updated_at);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	lead_id     TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'other',
	subject     TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_org_kind ON activities(org_id, kind, occurred_at);

CREATE TABLE IF NOT EXISTS crm_xrefs (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES crm_connections(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	local_id      TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	UNIQUE (connection_id, kind, local_id)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY,
	connection_id  TEXT NOT NULL,
	direction      TEXT NOT NULL,
	records_synced INTEGER NOT NULL DEFAULT 0,
	errors         INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	error_details  TEXT NOT NULL DEFAULT '[]',
	fatal_error    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_connection ON sync_runs(connection_id, created_at);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	id           TEXT PRIMARY KEY,
	lead_id      TEXT NOT NULL,
	provider     TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	raw_response TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_attempts_lead ON enrichment_attempts(lead_id, created_at);

CREATE TABLE IF NOT EXISTS scoring_rules (
	id       TEXT PRIMARY KEY,
	org_id   TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	field    TEXT NOT NULL,
	operator TEXT NOT NULL,
	value    TEXT NOT NULL DEFAULT '',
	points   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scoring_rules_org ON scoring_rules(org_id, position);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Connections ---

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM crm_connections WHERE id = ?`, id)
	c, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: connection %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get connection %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) FindConnection(ctx context.Context, orgID, userID string, provider model.Provider) (*model.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM crm_connections WHERE org_id = ? AND user_id = ? AND provider = ?`,
		orgID, userID, string(provider),
	)
	c, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find connection")
	}
	return c, nil
}

func (s *SQLiteStore) UpsertConnection(ctx context.Context, conn *model.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	sealed, err := s.sealer.SealJSON(conn.Credentials, connectionAAD(conn.OrgID, conn.UserID, conn.Provider))
	if err != nil {
		return eris.Wrap(err, "sqlite: seal credentials")
	}
	var mapping any
	if len(conn.FieldMapping) > 0 {
		data, err := json.Marshal(conn.FieldMapping)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal field mapping")
		}
		mapping = string(data)
	}
	now := time.Now().UTC()

	var id, createdAt string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO crm_connections (id, org_id, user_id, provider, credentials, status, last_sync_at, field_mapping, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, user_id, provider) DO UPDATE SET
			credentials = excluded.credentials,
			status = excluded.status,
			field_mapping = COALESCE(excluded.field_mapping, crm_connections.field_mapping),
			updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		conn.ID, conn.OrgID, conn.UserID, string(conn.Provider), sealed, string(conn.Status),
		tsPtr(conn.LastSyncAt), mapping, ts(now), ts(now),
	).Scan(&id, &createdAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert connection")
	}
	created, err := parseTS(createdAt)
	if err != nil {
		return err
	}
	conn.ID = id
	conn.CreatedAt = created
	conn.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error {
	var orgID, userID, provider string
	err := s.db.QueryRowContext(ctx, `SELECT org_id, user_id, provider FROM crm_connections WHERE id = ?`, id).
		Scan(&orgID, &userID, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: connection %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load connection key %s", id)
	}
	sealed, err := s.sealer.SealJSON(creds, connectionAAD(orgID, userID, model.Provider(provider)))
	if err != nil {
		return eris.Wrap(err, "sqlite: seal credentials")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE crm_connections SET credentials = ?, updated_at = ? WHERE id = ?`,
		sealed, ts(time.Now()), id,
	)
	return eris.Wrapf(err, "sqlite: update credentials %s", id)
}

func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastSyncAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crm_connections SET status = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = ? WHERE id = ?`,
		string(status), tsPtr(lastSyncAt), ts(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update connection status %s", id)
	}
	return checkRowsAffected(res, "connection", id)
}

func (s *SQLiteStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM crm_connections WHERE 1=1`
	args := []any{}
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(filter.Provider))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limitOr(filter.Limit, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list connections")
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := s.scanConnection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan connection")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list connections iterate")
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crm_connections WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete connection %s", id)
	}
	return checkRowsAffected(res, "connection", id)
}

func (s *SQLiteStore) scanConnection(row scannable) (*model.Connection, error) {
	var c model.Connection
	var provider, status, createdAt, updatedAt string
	var sealed []byte
	var lastSync, mapping sql.NullString
	if err := row.Scan(&c.ID, &c.OrgID, &c.UserID, &provider, &sealed, &status, &lastSync, &mapping, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Provider = model.Provider(provider)
	c.Status = model.ConnectionStatus(status)
	var err error
	if c.LastSyncAt, err = parseNullTS(lastSync); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	if err := s.sealer.OpenJSON(sealed, connectionAAD(c.OrgID, c.UserID, c.Provider), &c.Credentials); err != nil {
		return nil, eris.Wrapf(err, "sqlite: open credentials for %s", c.ID)
	}
	if mapping.Valid && mapping.String != "" {
		if err := json.Unmarshal([]byte(mapping.String), &c.FieldMapping); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal field mapping")
		}
	}
	return &c, nil
}

// --- Leads ---

func (s *SQLiteStore) CreateLead(ctx context.Context, lead *model.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.EnrichmentStatus == "" {
		lead.EnrichmentStatus = model.EnrichmentPending
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	if lead.UpdatedAt.IsZero() {
		lead.UpdatedAt = now
	}
	persons, err := json.Marshal(lead.Persons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal persons")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`, tax_id_digits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.OrgID, lead.LegalName, lead.TradeName, lead.TaxID, lead.Email, lead.Phone, lead.Website,
		lead.Address.Street, lead.Address.Number, lead.Address.Complement, lead.Address.District,
		lead.Address.City, lead.Address.State, lead.Address.ZipCode,
		lead.Size, lead.PrimaryActivity, lead.RegistrationStatus, revenueParam(lead.EstimatedRevenue), string(persons),
		string(lead.EnrichmentStatus), tsPtr(lead.EnrichedAt), intPtr(lead.FitScore), ts(lead.CreatedAt), ts(lead.UpdatedAt),
		model.Digits(lead.TaxID),
	)
	return eris.Wrap(err, "sqlite: insert lead")
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, lead *model.Lead) error {
	persons, err := json.Marshal(lead.Persons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal persons")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET legal_name = ?, trade_name = ?, tax_id = ?, tax_id_digits = ?, email = ?, phone = ?,
			website = ?, street = ?, number = ?, complement = ?, district = ?, city = ?, state = ?,
			zip_code = ?, size = ?, primary_activity = ?, registration_status = ?, estimated_revenue = ?,
			persons = ?, enrichment_status = ?, enriched_at = ?, fit_score = ?, updated_at = ?
		 WHERE id = ?`,
		lead.LegalName, lead.TradeName, lead.TaxID, model.Digits(lead.TaxID), lead.Email, lead.Phone,
		lead.Website, lead.Address.Street, lead.Address.Number, lead.Address.Complement, lead.Address.District,
		lead.Address.City, lead.Address.State, lead.Address.ZipCode, lead.Size, lead.PrimaryActivity,
		lead.RegistrationStatus, revenueParam(lead.EstimatedRevenue), string(persons), string(lead.EnrichmentStatus),
		tsPtr(lead.EnrichedAt), intPtr(lead.FitScore), ts(now), lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", lead.ID)
	}
	if err := checkRowsAffected(res, "lead", lead.ID); err != nil {
		return err
	}
	lead.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateEnrichmentStatus(ctx context.Context, id string, status model.EnrichmentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET enrichment_status = ?, updated_at = ? WHERE id = ?`,
		string(status), ts(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update enrichment status %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) UpdatePersons(ctx context.Context, id string, persons []model.Person) error {
	data, err := json.Marshal(persons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal persons")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET persons = ?, updated_at = ? WHERE id = ?`,
		string(data), ts(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update persons %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) UpdateFitScore(ctx context.Context, id string, score *int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET fit_score = ? WHERE id = ?`, intPtr(score), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update fit score %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) FindLeadsByTaxID(ctx context.Context, orgID, taxID string) ([]model.Lead, error) {
	digits := model.Digits(taxID)
	if digits == "" {
		return nil, nil
	}
	return s.queryLeads(ctx, "find leads by tax id",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = ? AND tax_id_digits = ? ORDER BY created_at`,
		orgID, digits)
}

func (s *SQLiteStore) FindLeadsByEmail(ctx context.Context, orgID, email string) ([]model.Lead, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return s.queryLeads(ctx, "find leads by email",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = ? AND lower(email) = lower(?) ORDER BY created_at`,
		orgID, email)
}

func (s *SQLiteStore) ListLeadsUpdatedSince(ctx context.Context, orgID string, since *time.Time, limit int) ([]model.Lead, error) {
	if since == nil {
		return s.queryLeads(ctx, "list leads",
			`SELECT `+leadColumns+` FROM leads WHERE org_id = ? ORDER BY updated_at LIMIT ?`,
			orgID, limitOr(limit, 200))
	}
	return s.queryLeads(ctx, "list leads",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = ? AND updated_at > ? ORDER BY updated_at LIMIT ?`,
		orgID, ts(*since), limitOr(limit, 200))
}

func (s *SQLiteStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var revenue, persons, enrichedAt sql.NullString
	var fitScore sql.NullInt64
	var status, createdAt, updatedAt string
	err := row.Scan(&l.ID, &l.OrgID, &l.LegalName, &l.TradeName, &l.TaxID, &l.Email, &l.Phone, &l.Website,
		&l.Address.Street, &l.Address.Number, &l.Address.Complement, &l.Address.District,
		&l.Address.City, &l.Address.State, &l.Address.ZipCode,
		&l.Size, &l.PrimaryActivity, &l.RegistrationStatus, &revenue, &persons,
		&status, &enrichedAt, &fitScore, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.EnrichmentStatus = model.EnrichmentStatus(status)
	if fitScore.Valid {
		v := int(fitScore.Int64)
		l.FitScore = &v
	}
	if l.EnrichedAt, err = parseNullTS(enrichedAt); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	var rev *string
	if revenue.Valid {
		rev = &revenue.String
	}
	if err := decodeLeadExtras(&l, rev, []byte(persons.String)); err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Activities ---

func (s *SQLiteStore) CreateActivity(ctx context.Context, a *model.Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, org_id, lead_id, kind, type, subject, body, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.LeadID, string(a.Kind), string(a.Type), a.Subject, a.Body, ts(a.OccurredAt), ts(a.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert activity")
}

func (s *SQLiteStore) ListUnsyncedActivities(ctx context.Context, orgID, connectionID string, kind model.ActivityKind, limit int) ([]model.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.org_id, a.lead_id, a.kind, a.type, a.subject, a.body, a.occurred_at, a.created_at
		 FROM activities a
		 LEFT JOIN crm_xrefs x ON x.connection_id = ? AND x.kind = 'activity' AND x.local_id = a.id
		 WHERE a.org_id = ? AND a.kind = ? AND x.id IS NULL
		 ORDER BY a.occurred_at
		 LIMIT ?`,
		connectionID, orgID, string(kind), limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unsynced activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var k, t, occurredAt, createdAt string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.LeadID, &k, &t, &a.Subject, &a.Body, &occurredAt, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		a.Kind = model.ActivityKind(k)
		a.Type = model.ActivityType(t)
		if a.OccurredAt, err = parseTS(occurredAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unsynced activities iterate")
}

// --- Cross-references ---

func (s *SQLiteStore) GetXref(ctx context.Context, connectionID string, kind model.XrefKind, localID string) (*model.CrossReference, error) {
	var x model.CrossReference
	var k, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, kind, local_id, external_id, created_at FROM crm_xrefs WHERE connection_id = ? AND kind = ? AND local_id = ?`,
		connectionID, string(kind), localID,
	).Scan(&x.ID, &x.ConnectionID, &k, &x.LocalID, &x.ExternalID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get xref %s/%s", kind, localID)
	}
	x.Kind = model.XrefKind(k)
	if x.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	return &x, nil
}

func (s *SQLiteStore) CreateXref(ctx context.Context, x *model.CrossReference) error {
	if x.ID == "" {
		x.ID = uuid.New().String()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crm_xrefs (id, connection_id, kind, local_id, external_id, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (connection_id, kind, local_id) DO NOTHING`,
		x.ID, x.ConnectionID, string(x.Kind), x.LocalID, x.ExternalID, ts(x.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert xref %s/%s", x.Kind, x.LocalID)
}

// --- Logs ---

func (s *SQLiteStore) InsertSyncRun(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	details, err := marshalDetails(run.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, connection_id, direction, records_synced, errors, duration_ms, error_details, fatal_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConnectionID, string(run.Direction), run.RecordsSynced, run.Errors, run.DurationMs, string(details), run.FatalError, ts(run.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert sync run")
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, filter SyncRunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, connection_id, direction, records_synced, errors, duration_ms, error_details, fatal_error, created_at FROM sync_runs WHERE 1=1`
	args := []any{}
	if filter.ConnectionID != "" {
		query += ` AND connection_id = ?`
		args = append(args, filter.ConnectionID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, ts(filter.Since))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 50))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var direction, details, createdAt string
		if err := rows.Scan(&r.ID, &r.ConnectionID, &direction, &r.RecordsSynced, &r.Errors, &r.DurationMs, &details, &r.FatalError, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		r.Direction = model.SyncDirection(direction)
		if err := json.Unmarshal([]byte(details), &r.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error details")
		}
		if r.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sync runs iterate")
}

func (s *SQLiteStore) InsertEnrichmentAttempt(ctx context.Context, a *model.EnrichmentAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_attempts (id, lead_id, provider, attempt, status, raw_response, error, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LeadID, a.Provider, a.Attempt, string(a.Status), a.RawResponse, a.Error, a.DurationMs, ts(a.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert enrichment attempt")
}

func (s *SQLiteStore) ListEnrichmentAttempts(ctx context.Context, filter AttemptFilter) ([]model.EnrichmentAttempt, error) {
	query := `SELECT id, lead_id, provider, attempt, status, raw_response, error, duration_ms, created_at FROM enrichment_attempts WHERE 1=1`
	args := []any{}
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, ts(filter.Since))
	}
	query += ` ORDER BY created_at DESC, attempt DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list enrichment attempts")
	}
	defer rows.Close()

	var out []model.EnrichmentAttempt
	for rows.Next() {
		var a model.EnrichmentAttempt
		var status, createdAt string
		if err := rows.Scan(&a.ID, &a.LeadID, &a.Provider, &a.Attempt, &status, &a.RawResponse, &a.Error, &a.DurationMs, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment attempt")
		}
		a.Status = model.AttemptStatus(status)
		if a.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list enrichment attempts iterate")
}

// --- Scoring rules ---

func (s *SQLiteStore) ListScoringRules(ctx context.Context, orgID string) ([]model.ScoringRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, field, operator, value, points FROM scoring_rules WHERE org_id = ? ORDER BY position`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scoring rules")
	}
	defer rows.Close()

	var out []model.ScoringRule
	for rows.Next() {
		var r model.ScoringRule
		var op string
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Field, &op, &r.Value, &r.Points); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scoring rule")
		}
		r.Operator = model.ScoringOperator(op)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list scoring rules iterate")
}

func (s *SQLiteStore) ReplaceScoringRules(ctx context.Context, orgID string, rules []model.ScoringRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace rules")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM scoring_rules WHERE org_id = ?`, orgID); err != nil {
		return eris.Wrap(err, "sqlite: delete scoring rules")
	}
	for i, r := range rules {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scoring_rules (id, org_id, position, field, operator, value, points) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, orgID, i, r.Field, string(r.Operator), r.Value, r.Points,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert scoring rule %d", i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace rules")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
