package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/leadsync/internal/db"
	"github.com/sells-group/leadsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	sealer  Sealer
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. sealer
// encrypts credential bundles.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, sealer Sealer) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, sealer: sealer, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS crm_connections (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id        TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	credentials   BYTEA NOT NULL,
	status        TEXT NOT NULL DEFAULT 'connected',
	last_sync_at  TIMESTAMPTZ,
	field_mapping JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, user_id, provider)
);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	persons             JSONB,
	enrichment_status   TEXT NOT NULL DEFAULT 'pending',
	enriched_at         TIMESTAMPTZ,
	fit_score           INTEGER,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_org_tax ON leads(org_id, tax_id_digits);
CREATE INDEX IF NOT EXISTS idx_leads_org_email ON leads(org_id, lower(email));
CREATE INDEX IF NOT EXISTS idx_leads_org_updated ON leads(org_id, updated_at);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id      TEXT NOT NULL,
	lead_id     TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'other',
	subject     TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_activities_org_kind ON activities(org_id, kind, occurred_at);

CREATE TABLE IF NOT EXISTS crm_xrefs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	connection_id TEXT NOT NULL REFERENCES crm_connections(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	local_id      TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (connection_id, kind, local_id)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	connection_id  TEXT NOT NULL,
	direction      TEXT NOT NULL,
	records_synced INTEGER NOT NULL DEFAULT 0,
	errors         INTEGER NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	error_details  JSONB NOT NULL DEFAULT '[]',
	fatal_error    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_connection ON sync_runs(connection_id, created_at DESC);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id      TEXT NOT NULL,
	provider     TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	raw_response TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_enrichment_attempts_lead ON enrichment_attempts(lead_id, created_at DESC);

CREATE TABLE IF NOT EXISTS scoring_rules (
	id       TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id   TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	field    TEXT NOT NULL,
	operator TEXT NOT NULL,
	value    TEXT NOT NULL DEFAULT '',
	points   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scoring_rules_org ON scoring_rules(org_id, position);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Connections ---

const connectionColumns = `id, org_id, user_id, provider, credentials, status, last_sync_at, field_mapping, created_at, updated_at`

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM crm_connections WHERE id = $1`, id)
	c, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: connection %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get connection %s", id)
	}
	return c, nil
}

func (s *PostgresStore) FindConnection(ctx context.Context, orgID, userID string, provider model.Provider) (*model.Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM crm_connections WHERE org_id = $1 AND user_id = $2 AND provider = $3`,
		orgID, userID, string(provider),
	)
	c, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find connection")
	}
	return c, nil
}

func (s *PostgresStore) UpsertConnection(ctx context.Context, conn *model.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	sealed, err := s.sealer.SealJSON(conn.Credentials, connectionAAD(conn.OrgID, conn.UserID, conn.Provider))
	if err != nil {
		return eris.Wrap(err, "postgres: seal credentials")
	}
	mapping, err := json.Marshal(conn.FieldMapping)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal field mapping")
	}
	now := time.Now().UTC()

	var id string
	var createdAt time.Time
	err = s.pool.QueryRow(ctx,
		`INSERT INTO crm_connections (id, org_id, user_id, provider, credentials, status, last_sync_at, field_mapping, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (org_id, user_id, provider) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			status = EXCLUDED.status,
			field_mapping = COALESCE(EXCLUDED.field_mapping, crm_connections.field_mapping),
			updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		conn.ID, conn.OrgID, conn.UserID, string(conn.Provider), sealed, string(conn.Status), conn.LastSyncAt, nullJSON(mapping), now,
	).Scan(&id, &createdAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert connection")
	}
	conn.ID = id
	conn.CreatedAt = createdAt
	conn.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error {
	var orgID, userID, provider string
	err := s.pool.QueryRow(ctx, `SELECT org_id, user_id, provider FROM crm_connections WHERE id = $1`, id).
		Scan(&orgID, &userID, &provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: connection %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: load connection key %s", id)
	}
	sealed, err := s.sealer.SealJSON(creds, connectionAAD(orgID, userID, model.Provider(provider)))
	if err != nil {
		return eris.Wrap(err, "postgres: seal credentials")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE crm_connections SET credentials = $1, updated_at = $2 WHERE id = $3`,
		sealed, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: update credentials %s", id)
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastSyncAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crm_connections SET status = $1, last_sync_at = COALESCE($2, last_sync_at), updated_at = $3 WHERE id = $4`,
		string(status), lastSyncAt, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update connection status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: connection %s", id)
	}
	return nil
}

func (s *PostgresStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM crm_connections WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.Provider != "" {
		query += fmt.Sprintf(` AND provider = $%d`, argIdx)
		args = append(args, string(filter.Provider))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 500))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list connections")
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := s.scanConnection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan connection")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list connections iterate")
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crm_connections WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete connection %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: connection %s", id)
	}
	return nil
}

func (s *PostgresStore) scanConnection(row pgx.Row) (*model.Connection, error) {
	var c model.Connection
	var provider, status string
	var sealed, mapping []byte
	if err := row.Scan(&c.ID, &c.OrgID, &c.UserID, &provider, &sealed, &status, &c.LastSyncAt, &mapping, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Provider = model.Provider(provider)
	c.Status = model.ConnectionStatus(status)
	if err := s.sealer.OpenJSON(sealed, connectionAAD(c.OrgID, c.UserID, c.Provider), &c.Credentials); err != nil {
		return nil, eris.Wrapf(err, "postgres: open credentials for %s", c.ID)
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &c.FieldMapping); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal field mapping")
		}
	}
	return &c, nil
}

// --- Leads ---

const leadColumns = `id, org_id, legal_name, trade_name, tax_id, email, phone, website, street, number, complement, district, city, state, zip_code, size, primary_activity, registration_status, estimated_revenue, persons, enrichment_status, enriched_at, fit_score, created_at, updated_at`

func (s *PostgresStore) CreateLead(ctx context.Context, lead *model.Lead) error {
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
		return eris.Wrap(err, "postgres: marshal persons")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO leads (`+leadColumns+`, tax_id_digits)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		lead.ID, lead.OrgID, lead.LegalName, lead.TradeName, lead.TaxID, lead.Email, lead.Phone, lead.Website,
		lead.Address.Street, lead.Address.Number, lead.Address.Complement, lead.Address.District,
		lead.Address.City, lead.Address.State, lead.Address.ZipCode,
		lead.Size, lead.PrimaryActivity, lead.RegistrationStatus, revenueParam(lead.EstimatedRevenue), persons,
		string(lead.EnrichmentStatus), lead.EnrichedAt, lead.FitScore, lead.CreatedAt, lead.UpdatedAt,
		model.Digits(lead.TaxID),
	)
	return eris.Wrap(err, "postgres: insert lead")
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanPgLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) UpdateLead(ctx context.Context, lead *model.Lead) error {
	persons, err := json.Marshal(lead.Persons)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal persons")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET legal_name = $1, trade_name = $2, tax_id = $3, tax_id_digits = $4, email = $5, phone = $6,
			website = $7, street = $8, number = $9, complement = $10, district = $11, city = $12, state = $13,
			zip_code = $14, size = $15, primary_activity = $16, registration_status = $17, estimated_revenue = $18,
			persons = $19, enrichment_status = $20, enriched_at = $21, fit_score = $22, updated_at = $23
		 WHERE id = $24`,
		lead.LegalName, lead.TradeName, lead.TaxID, model.Digits(lead.TaxID), lead.Email, lead.Phone,
		lead.Website, lead.Address.Street, lead.Address.Number, lead.Address.Complement, lead.Address.District,
		lead.Address.City, lead.Address.State, lead.Address.ZipCode, lead.Size, lead.PrimaryActivity,
		lead.RegistrationStatus, revenueParam(lead.EstimatedRevenue), persons, string(lead.EnrichmentStatus),
		lead.EnrichedAt, lead.FitScore, now, lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", lead.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: lead %s", lead.ID)
	}
	lead.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateEnrichmentStatus(ctx context.Context, id string, status model.EnrichmentStatus) error {
	return s.execLead(ctx, id, "update enrichment status",
		`UPDATE leads SET enrichment_status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
}

func (s *PostgresStore) UpdatePersons(ctx context.Context, id string, persons []model.Person) error {
	data, err := json.Marshal(persons)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal persons")
	}
	return s.execLead(ctx, id, "update persons",
		`UPDATE leads SET persons = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now().UTC(), id)
}

func (s *PostgresStore) UpdateFitScore(ctx context.Context, id string, score *int) error {
	return s.execLead(ctx, id, "update fit score",
		`UPDATE leads SET fit_score = $1 WHERE id = $2`, score, id)
}

func (s *PostgresStore) execLead(ctx context.Context, id, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: lead %s", id)
	}
	return nil
}

func (s *PostgresStore) FindLeadsByTaxID(ctx context.Context, orgID, taxID string) ([]model.Lead, error) {
	digits := model.Digits(taxID)
	if digits == "" {
		return nil, nil
	}
	return s.queryLeads(ctx, "find leads by tax id",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 AND tax_id_digits = $2 ORDER BY created_at`,
		orgID, digits)
}

func (s *PostgresStore) FindLeadsByEmail(ctx context.Context, orgID, email string) ([]model.Lead, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return s.queryLeads(ctx, "find leads by email",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 AND lower(email) = lower($2) ORDER BY created_at`,
		orgID, email)
}

func (s *PostgresStore) ListLeadsUpdatedSince(ctx context.Context, orgID string, since *time.Time, limit int) ([]model.Lead, error) {
	if since == nil {
		return s.queryLeads(ctx, "list leads",
			`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 ORDER BY updated_at LIMIT $2`,
			orgID, limitOr(limit, 200))
	}
	return s.queryLeads(ctx, "list leads",
		`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 AND updated_at > $2 ORDER BY updated_at LIMIT $3`,
		orgID, *since, limitOr(limit, 200))
}

func (s *PostgresStore) queryLeads(ctx context.Context, op, sql string, args ...any) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func scanPgLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var revenue *string
	var persons []byte
	var status string
	err := row.Scan(&l.ID, &l.OrgID, &l.LegalName, &l.TradeName, &l.TaxID, &l.Email, &l.Phone, &l.Website,
		&l.Address.Street, &l.Address.Number, &l.Address.Complement, &l.Address.District,
		&l.Address.City, &l.Address.State, &l.Address.ZipCode,
		&l.Size, &l.PrimaryActivity, &l.RegistrationStatus, &revenue, &persons,
		&status, &l.EnrichedAt, &l.FitScore, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.EnrichmentStatus = model.EnrichmentStatus(status)
	if err := decodeLeadExtras(&l, revenue, persons); err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Activities ---

func (s *PostgresStore) CreateActivity(ctx context.Context, a *model.Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activities (id, org_id, lead_id, kind, type, subject, body, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OrgID, a.LeadID, string(a.Kind), string(a.Type), a.Subject, a.Body, a.OccurredAt, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert activity")
}

func (s *PostgresStore) ListUnsyncedActivities(ctx context.Context, orgID, connectionID string, kind model.ActivityKind, limit int) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.org_id, a.lead_id, a.kind, a.type, a.subject, a.body, a.occurred_at, a.created_at
		 FROM activities a
		 LEFT JOIN crm_xrefs x ON x.connection_id = $2 AND x.kind = 'activity' AND x.local_id = a.id
		 WHERE a.org_id = $1 AND a.kind = $3 AND x.id IS NULL
		 ORDER BY a.occurred_at
		 LIMIT $4`,
		orgID, connectionID, string(kind), limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unsynced activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var k, t string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.LeadID, &k, &t, &a.Subject, &a.Body, &a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		a.Kind = model.ActivityKind(k)
		a.Type = model.ActivityType(t)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unsynced activities iterate")
}

// --- Cross-references ---

func (s *PostgresStore) GetXref(ctx context.Context, connectionID string, kind model.XrefKind, localID string) (*model.CrossReference, error) {
	var x model.CrossReference
	var k string
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection_id, kind, local_id, external_id, created_at FROM crm_xrefs WHERE connection_id = $1 AND kind = $2 AND local_id = $3`,
		connectionID, string(kind), localID,
	).Scan(&x.ID, &x.ConnectionID, &k, &x.LocalID, &x.ExternalID, &x.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get xref %s/%s", kind, localID)
	}
	x.Kind = model.XrefKind(k)
	return &x, nil
}

func (s *PostgresStore) CreateXref(ctx context.Context, x *model.CrossReference) error {
	if x.ID == "" {
		x.ID = uuid.New().String()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crm_xrefs (id, connection_id, kind, local_id, external_id, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (connection_id, kind, local_id) DO NOTHING`,
		x.ID, x.ConnectionID, string(x.Kind), x.LocalID, x.ExternalID, x.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert xref %s/%s", x.Kind, x.LocalID)
}

// --- Logs ---

func (s *PostgresStore) InsertSyncRun(ctx context.Context, run *model.SyncRun) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, connection_id, direction, records_synced, errors, duration_ms, error_details, fatal_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.ConnectionID, string(run.Direction), run.RecordsSynced, run.Errors, run.DurationMs, details, run.FatalError, run.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert sync run")
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, filter SyncRunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, connection_id, direction, records_synced, errors, duration_ms, error_details, fatal_error, created_at FROM sync_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ConnectionID != "" {
		query += fmt.Sprintf(` AND connection_id = $%d`, argIdx)
		args = append(args, filter.ConnectionID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 50))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var direction string
		var details []byte
		if err := rows.Scan(&r.ID, &r.ConnectionID, &direction, &r.RecordsSynced, &r.Errors, &r.DurationMs, &details, &r.FatalError, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		r.Direction = model.SyncDirection(direction)
		if err := json.Unmarshal(details, &r.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error details")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sync runs iterate")
}

func (s *PostgresStore) InsertEnrichmentAttempt(ctx context.Context, a *model.EnrichmentAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_attempts (id, lead_id, provider, attempt, status, raw_response, error, duration_ms, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.LeadID, a.Provider, a.Attempt, string(a.Status), a.RawResponse, a.Error, a.DurationMs, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert enrichment attempt")
}

func (s *PostgresStore) ListEnrichmentAttempts(ctx context.Context, filter AttemptFilter) ([]model.EnrichmentAttempt, error) {
	query := `SELECT id, lead_id, provider, attempt, status, raw_response, error, duration_ms, created_at FROM enrichment_attempts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.LeadID != "" {
		query += fmt.Sprintf(` AND lead_id = $%d`, argIdx)
		args = append(args, filter.LeadID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list enrichment attempts")
	}
	defer rows.Close()

	var out []model.EnrichmentAttempt
	for rows.Next() {
		var a model.EnrichmentAttempt
		var status string
		if err := rows.Scan(&a.ID, &a.LeadID, &a.Provider, &a.Attempt, &status, &a.RawResponse, &a.Error, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment attempt")
		}
		a.Status = model.AttemptStatus(status)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list enrichment attempts iterate")
}

// --- Scoring rules ---

var scoringRuleColumns = []string{"id", "org_id", "position", "field", "operator", "value", "points"}

func (s *PostgresStore) ListScoringRules(ctx context.Context, orgID string) ([]model.ScoringRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, field, operator, value, points FROM scoring_rules WHERE org_id = $1 ORDER BY position`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scoring rules")
	}
	defer rows.Close()

	var out []model.ScoringRule
	for rows.Next() {
		var r model.ScoringRule
		var op string
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Field, &op, &r.Value, &r.Points); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scoring rule")
		}
		r.Operator = model.ScoringOperator(op)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list scoring rules iterate")
}

func (s *PostgresStore) ReplaceScoringRules(ctx context.Context, orgID string, rules []model.ScoringRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace rules")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM scoring_rules WHERE org_id = $1`, orgID); err != nil {
		return eris.Wrap(err, "postgres: delete scoring rules")
	}
	rows := make([][]any, 0, len(rules))
	for i, r := range rules {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, orgID, i, r.Field, string(r.Operator), r.Value, r.Points})
	}
	if _, err := db.CopyFrom(ctx, tx, "scoring_rules", scoringRuleColumns, rows); err != nil {
		return eris.Wrap(err, "postgres: insert scoring rules")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace rules")
}

// --- shared helpers ---

func revenueParam(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func decodeLeadExtras(l *model.Lead, revenue *string, persons []byte) error {
	if revenue != nil && *revenue != "" {
		d, err := decimal.NewFromString(*revenue)
		if err != nil {
			return eris.Wrapf(err, "store: parse revenue for lead %s", l.ID)
		}
		l.EstimatedRevenue = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if len(persons) > 0 && string(persons) != "null" {
		if err := json.Unmarshal(persons, &l.Persons); err != nil {
			return eris.Wrapf(err, "store: unmarshal persons for lead %s", l.ID)
		}
	}
	return nil
}

func marshalDetails(details []model.SyncError) ([]byte, error) {
	if details == nil {
		details = []model.SyncError{}
	}
	data, err := json.Marshal(details)
	return data, eris.Wrap(err, "store: marshal error details")
}

func nullJSON(b []byte) []byte {
	if string(b) == "null" {
		return nil
	}
	return b
}
