package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool so the job queue can share it.
func (s *PostgresStore) Pool() Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	industry    TEXT NOT NULL DEFAULT '',
	persona     TEXT NOT NULL DEFAULT '',
	competitors JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS audits (
	id                  TEXT PRIMARY KEY,
	company_id          TEXT NOT NULL REFERENCES companies(id),
	state               TEXT NOT NULL DEFAULT 'pending'
		CHECK (state IN ('pending', 'completed', 'failed') OR state LIKE 'processing:%'),
	query_count         INTEGER NOT NULL DEFAULT 0,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	last_heartbeat      TIMESTAMPTZ NOT NULL DEFAULT now(),
	overall_score       DOUBLE PRECISION,
	visibility_rate     DOUBLE PRECISION,
	geo_score           DOUBLE PRECISION,
	sov_score           DOUBLE PRECISION,
	data_quality_score  DOUBLE PRECISION,
	data_quality_status TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	reprocess_count     INTEGER NOT NULL DEFAULT 0,
	last_reprocess_at   TIMESTAMPTZ,
	stop_requested      BOOLEAN NOT NULL DEFAULT false,
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audits_state_heartbeat ON audits(state, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_audits_company ON audits(company_id);

CREATE TABLE IF NOT EXISTS queries (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL REFERENCES audits(id),
	category   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queries_audit ON queries(audit_id);

CREATE TABLE IF NOT EXISTS responses (
	id                  TEXT PRIMARY KEY,
	audit_id            TEXT NOT NULL REFERENCES audits(id),
	query_id            TEXT NOT NULL,
	category            TEXT NOT NULL,
	provider            TEXT NOT NULL,
	text                TEXT NOT NULL,
	payload             JSONB,
	brand_mentioned     BOOLEAN,
	mention_count       INTEGER,
	mention_position    DOUBLE PRECISION,
	sentiment           TEXT,
	geo_score           DOUBLE PRECISION,
	sov_score           DOUBLE PRECISION,
	competitor_mentions JSONB,
	feature_mentions    JSONB,
	defects             INTEGER,
	analyzed_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_responses_audit ON responses(audit_id);
CREATE INDEX IF NOT EXISTS idx_responses_analyzed ON responses(audit_id) WHERE analyzed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS batch_insights (
	audit_id        TEXT NOT NULL REFERENCES audits(id),
	category        TEXT NOT NULL,
	batch           INTEGER NOT NULL,
	extraction_type TEXT NOT NULL,
	items           JSONB NOT NULL,
	response_ids    JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (audit_id, category, batch, extraction_type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL REFERENCES audits(id),
	category        TEXT NOT NULL,
	extraction_type TEXT NOT NULL,
	items           JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (audit_id, category, extraction_type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL REFERENCES audits(id),
	extraction_type TEXT NOT NULL,
	items           JSONB NOT NULL,
	reasoning       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (audit_id, extraction_type)
);

CREATE TABLE IF NOT EXISTS executive_summaries (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL UNIQUE REFERENCES audits(id),
	persona      TEXT NOT NULL DEFAULT '',
	headline     TEXT NOT NULL,
	summary      TEXT NOT NULL,
	key_findings JSONB NOT NULL,
	scores       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reprocess_log (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL REFERENCES audits(id),
	attempt      INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	state_before TEXT NOT NULL,
	state_after  TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reprocess_log_audit ON reprocess_log(audit_id, created_at);

CREATE TABLE IF NOT EXISTS audit_defects (
	audit_id   TEXT NOT NULL REFERENCES audits(id),
	source     TEXT NOT NULL,
	defects    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (audit_id, source)
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Companies ---

func (s *PostgresStore) CreateCompany(ctx context.Context, c model.Company) error {
	competitors, err := marshalJSON(nonNil(c.Competitors), "competitors")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, industry, persona, competitors) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, industry = EXCLUDED.industry,
		 persona = EXCLUDED.persona, competitors = EXCLUDED.competitors`,
		c.ID, c.Name, c.Industry, c.Persona, competitors,
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.ID)
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	var competitors []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, industry, persona, competitors FROM companies WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Industry, &c.Persona, &competitors)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("company", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", id)
	}
	if err := unmarshalJSON(competitors, &c.Competitors, "competitors"); err != nil {
		return nil, err
	}
	c.Competitors = nonNil(c.Competitors)
	return &c, nil
}

// --- Audits ---

const auditColumns = `id, company_id, state, query_count, started_at, completed_at, last_heartbeat,
	overall_score, visibility_rate, geo_score, sov_score, data_quality_score, data_quality_status,
	error_message, reprocess_count, last_reprocess_at, stop_requested, version, created_at`

func scanPgAudit(row pgx.Row) (*model.Audit, error) {
	var a model.Audit
	var state, tier string
	err := row.Scan(&a.ID, &a.CompanyID, &state, &a.QueryCount, &a.StartedAt, &a.CompletedAt, &a.LastHeartbeat,
		&a.OverallScore, &a.VisibilityRate, &a.GEOScore, &a.SOVScore, &a.DataQualityScore, &tier,
		&a.ErrorMessage, &a.ReprocessCount, &a.LastReprocessAt, &a.StopRequested, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.DataQualityStatus = model.QualityTier(tier)
	a.State, err = model.ParseState(state, a.ErrorMessage)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: audit %s", a.ID)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAudit(ctx context.Context, a model.Audit) (*model.Audit, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State.IsZero() {
		a.State = model.Pending()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = a.CreatedAt
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO audits (id, company_id, state, query_count, error_message, last_heartbeat, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+auditColumns,
		a.ID, a.CompanyID, a.State.String(), a.QueryCount, failureReason(a.State), a.LastHeartbeat, a.CreatedAt,
	)
	out, err := scanPgAudit(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert audit %s", a.ID)
	}
	return out, nil
}

func (s *PostgresStore) GetAudit(ctx context.Context, id string) (*model.Audit, error) {
	a, err := scanPgAudit(s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("audit", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get audit %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND (state = $%d OR state LIKE ($%d || ':%%'))`, argIdx, argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryAudits(ctx, "list audits", query, args...)
}

func (s *PostgresStore) queryAudits(ctx context.Context, op, query string, args ...any) ([]model.Audit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	audits := []model.Audit{}
	for rows.Next() {
		a, err := scanPgAudit(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		audits = append(audits, *a)
	}
	return audits, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// UpdateAuditState writes state, heartbeat and the optional fields in one
// statement guarded by version. A missing row yields NotFoundError and a
// version mismatch yields ConflictError.
func (s *PostgresStore) UpdateAuditState(ctx context.Context, id string, expectedVersion int64, u AuditUpdate) (*model.Audit, error) {
	overall, visibility, geo, sov, quality, tier := scoreArgs(u.Scores)
	row := s.pool.QueryRow(ctx,
		`UPDATE audits SET
			state = $1,
			error_message = $2,
			last_heartbeat = $3,
			started_at = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at),
			overall_score = COALESCE($6, overall_score),
			visibility_rate = COALESCE($7, visibility_rate),
			geo_score = COALESCE($8, geo_score),
			sov_score = COALESCE($9, sov_score),
			data_quality_score = COALESCE($10, data_quality_score),
			data_quality_status = COALESCE($11, data_quality_status),
			version = version + 1
		 WHERE id = $12 AND version = $13
		 RETURNING `+auditColumns,
		u.State.String(), failureReason(u.State), u.Heartbeat.UTC(), u.StartedAt, u.CompletedAt,
		overall, visibility, geo, sov, quality, tier, id, expectedVersion,
	)
	a, err := scanPgAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update audit state %s", id)
	}
	return a, nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM audits WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("audit", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check audit %s", id)
	}
	return conflict("audit", id)
}

func (s *PostgresStore) ListStaleAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudits(ctx, "list stale audits",
		`SELECT `+auditColumns+` FROM audits a
		 WHERE a.state LIKE 'processing:%' AND a.last_heartbeat < $1
		   AND EXISTS (SELECT 1 FROM responses r WHERE r.audit_id = a.id AND r.analyzed_at IS NOT NULL)
		 ORDER BY a.last_heartbeat LIMIT $2`,
		before.UTC(), limit,
	)
}

func (s *PostgresStore) ListStalledAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudits(ctx, "list stalled audits",
		`SELECT `+auditColumns+` FROM audits a
		 WHERE a.state LIKE 'processing:%' AND a.last_heartbeat < $1
		   AND NOT EXISTS (SELECT 1 FROM responses r WHERE r.audit_id = a.id AND r.analyzed_at IS NOT NULL)
		 ORDER BY a.last_heartbeat LIMIT $2`,
		before.UTC(), limit,
	)
}

func (s *PostgresStore) RequestStop(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE audits SET stop_requested = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: request stop %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("audit", id)
	}
	return nil
}

func (s *PostgresStore) IncrementReprocess(ctx context.Context, id string, expectedVersion int64, now time.Time) (*model.Audit, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE audits SET reprocess_count = reprocess_count + 1, last_reprocess_at = $1,
			last_heartbeat = $1, version = version + 1
		 WHERE id = $2 AND version = $3
		 RETURNING `+auditColumns,
		now.UTC(), id, expectedVersion,
	)
	a, err := scanPgAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: increment reprocess %s", id)
	}
	return a, nil
}

// --- Queries and responses ---

func (s *PostgresStore) CreateQueries(ctx context.Context, queries []model.Query) error {
	if len(queries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, q := range queries {
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		batch.Queue(`INSERT INTO queries (id, audit_id, category, text, created_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`, q.ID, q.AuditID, q.Category, q.Text, orNow(q.CreatedAt))
	}
	return s.sendBatch(ctx, batch, "insert queries")
}

func (s *PostgresStore) CreateResponses(ctx context.Context, responses []model.Response) error {
	if len(responses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range responses {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		var payload []byte
		if len(r.Payload) > 0 {
			payload = r.Payload
		}
		batch.Queue(`INSERT INTO responses (id, audit_id, query_id, category, provider, text, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			r.ID, r.AuditID, r.QueryID, r.Category, r.Provider, r.Text, payload, orNow(r.CreatedAt))
	}
	return s.sendBatch(ctx, batch, "insert responses")
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s begin", op)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return eris.Wrapf(err, "postgres: %s", op)
		}
	}
	if err := br.Close(); err != nil {
		return eris.Wrapf(err, "postgres: %s close batch", op)
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: %s commit", op)
}

const responseColumns = `id, audit_id, query_id, category, provider, text, payload,
	brand_mentioned, mention_count, mention_position, sentiment, geo_score, sov_score,
	competitor_mentions, feature_mentions, defects, analyzed_at, created_at`

func scanPgResponse(row pgx.Row) (*model.Response, error) {
	var (
		r           model.Response
		payload     []byte
		mentioned   *bool
		count       *int
		position    *float64
		sentiment   *string
		geo, sov    *float64
		competitors []byte
		features    []byte
		defects     *int
		analyzedAt  *time.Time
	)
	err := row.Scan(&r.ID, &r.AuditID, &r.QueryID, &r.Category, &r.Provider, &r.Text, &payload,
		&mentioned, &count, &position, &sentiment, &geo, &sov,
		&competitors, &features, &defects, &analyzedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		r.Payload = payload
	}
	if analyzedAt == nil {
		return &r, nil
	}
	m := &model.ResponseMetrics{AnalyzedAt: *analyzedAt}
	if mentioned != nil {
		m.BrandMentioned = *mentioned
	}
	if count != nil {
		m.MentionCount = *count
	}
	if position != nil {
		m.MentionPosition = *position
	}
	if sentiment != nil {
		m.Sentiment = model.Sentiment(*sentiment)
	}
	if geo != nil {
		m.GEOScore = *geo
	}
	if sov != nil {
		m.SOVScore = *sov
	}
	if defects != nil {
		m.Defects = *defects
	}
	if err := unmarshalJSON(competitors, &m.CompetitorMentions, "competitor mentions"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(features, &m.FeatureMentions, "feature mentions"); err != nil {
		return nil, err
	}
	m.CompetitorMentions = nonNil(m.CompetitorMentions)
	m.FeatureMentions = nonNil(m.FeatureMentions)
	r.Metrics = m
	return &r, nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	return s.queryResponses(ctx, `SELECT `+responseColumns+` FROM responses WHERE audit_id = $1 ORDER BY created_at, id`, auditID)
}

func (s *PostgresStore) ListAnalyzedResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	return s.queryResponses(ctx, `SELECT `+responseColumns+` FROM responses
		WHERE audit_id = $1 AND analyzed_at IS NOT NULL ORDER BY created_at, id`, auditID)
}

func (s *PostgresStore) queryResponses(ctx context.Context, query, auditID string) ([]model.Response, error) {
	rows, err := s.pool.Query(ctx, query, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list responses %s", auditID)
	}
	defer rows.Close()

	out := []model.Response{}
	for rows.Next() {
		r, err := scanPgResponse(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan response")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list responses iterate")
}

// SaveResponseMetrics fills the metric columns of a not-yet-analyzed
// response and reports how many rows changed.
func (s *PostgresStore) SaveResponseMetrics(ctx context.Context, responseID string, m model.ResponseMetrics) (int64, error) {
	competitors, err := marshalJSON(nonNil(m.CompetitorMentions), "competitor mentions")
	if err != nil {
		return 0, err
	}
	features, err := marshalJSON(nonNil(m.FeatureMentions), "feature mentions")
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE responses SET brand_mentioned = $1, mention_count = $2, mention_position = $3, sentiment = $4,
			geo_score = $5, sov_score = $6, competitor_mentions = $7, feature_mentions = $8, defects = $9,
			analyzed_at = $10
		 WHERE id = $11 AND analyzed_at IS NULL`,
		m.BrandMentioned, m.MentionCount, m.MentionPosition, string(m.Sentiment),
		m.GEOScore, m.SOVScore, competitors, features, m.Defects, orNow(m.AnalyzedAt), responseID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save response metrics %s", responseID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountAnalyzedResponses(ctx context.Context, auditID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM responses WHERE audit_id = $1 AND analyzed_at IS NOT NULL`, auditID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count analyzed responses %s", auditID)
}

// --- Funnel ---

func (s *PostgresStore) SaveBatchInsight(ctx context.Context, b model.BatchInsight) (bool, error) {
	items, err := marshalJSON(nonNil(b.Items), "batch items")
	if err != nil {
		return false, err
	}
	ids, err := marshalJSON(nonNil(b.ResponseIDs), "batch response ids")
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batch_insights (audit_id, category, batch, extraction_type, items, response_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (audit_id, category, batch, extraction_type) DO NOTHING`,
		b.AuditID, b.Category, b.Batch, string(b.Type), items, ids, orNow(b.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: save batch insight %s/%s/%d", b.AuditID, b.Category, b.Batch)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT audit_id, category, batch, extraction_type, items, response_ids, created_at
		 FROM batch_insights WHERE audit_id = $1 ORDER BY category, batch, extraction_type`, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list batch insights %s", auditID)
	}
	defer rows.Close()

	out := []model.BatchInsight{}
	for rows.Next() {
		var b model.BatchInsight
		var typ string
		var items, ids []byte
		if err := rows.Scan(&b.AuditID, &b.Category, &b.Batch, &typ, &items, &ids, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch insight")
		}
		b.Type = model.ExtractionType(typ)
		if err := unmarshalJSON(items, &b.Items, "batch items"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(ids, &b.ResponseIDs, "batch response ids"); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batch insights iterate")
}

func (s *PostgresStore) SaveCategoryInsight(ctx context.Context, c model.CategoryInsight) (bool, error) {
	items, err := marshalJSON(nonNil(c.Items), "category items")
	if err != nil {
		return false, err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO category_insights (id, audit_id, category, extraction_type, items, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (audit_id, category, extraction_type) DO NOTHING`,
		c.ID, c.AuditID, c.Category, string(c.Type), items, orNow(c.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: save category insight %s/%s", c.AuditID, c.Category)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, category, extraction_type, items, created_at
		 FROM category_insights WHERE audit_id = $1 ORDER BY category, extraction_type`, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list category insights %s", auditID)
	}
	defer rows.Close()

	out := []model.CategoryInsight{}
	for rows.Next() {
		var c model.CategoryInsight
		var typ string
		var items []byte
		if err := rows.Scan(&c.ID, &c.AuditID, &c.Category, &typ, &items, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category insight")
		}
		c.Type = model.ExtractionType(typ)
		if err := unmarshalJSON(items, &c.Items, "category items"); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list category insights iterate")
}

func (s *PostgresStore) SaveStrategicPriority(ctx context.Context, p model.StrategicPriority) (bool, error) {
	items, err := marshalJSON(nonNil(p.Items), "priority items")
	if err != nil {
		return false, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO strategic_priorities (id, audit_id, extraction_type, items, reasoning, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (audit_id, extraction_type) DO NOTHING`,
		p.ID, p.AuditID, string(p.Type), items, p.Reasoning, orNow(p.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: save strategic priority %s/%s", p.AuditID, p.Type)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListStrategicPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, extraction_type, items, reasoning, created_at
		 FROM strategic_priorities WHERE audit_id = $1 ORDER BY extraction_type`, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list strategic priorities %s", auditID)
	}
	defer rows.Close()

	out := []model.StrategicPriority{}
	for rows.Next() {
		var p model.StrategicPriority
		var typ string
		var items []byte
		if err := rows.Scan(&p.ID, &p.AuditID, &typ, &items, &p.Reasoning, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan strategic priority")
		}
		p.Type = model.ExtractionType(typ)
		if err := unmarshalJSON(items, &p.Items, "priority items"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list strategic priorities iterate")
}

func (s *PostgresStore) SaveExecutiveSummary(ctx context.Context, e model.ExecutiveSummary) (bool, error) {
	findings, err := marshalJSON(nonNil(e.KeyFindings), "key findings")
	if err != nil {
		return false, err
	}
	scores, err := marshalJSON(e.Scores, "summary scores")
	if err != nil {
		return false, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO executive_summaries (id, audit_id, persona, headline, summary, key_findings, scores, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (audit_id) DO NOTHING`,
		e.ID, e.AuditID, e.Persona, e.Headline, e.Summary, findings, scores, orNow(e.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: save executive summary %s", e.AuditID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error) {
	var e model.ExecutiveSummary
	var findings, scores []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, audit_id, persona, headline, summary, key_findings, scores, created_at
		 FROM executive_summaries WHERE audit_id = $1`, auditID,
	).Scan(&e.ID, &e.AuditID, &e.Persona, &e.Headline, &e.Summary, &findings, &scores, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get executive summary %s", auditID)
	}
	if err := unmarshalJSON(findings, &e.KeyFindings, "key findings"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(scores, &e.Scores, "summary scores"); err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Reprocess log ---

func (s *PostgresStore) AppendReprocessLog(ctx context.Context, e model.ReprocessLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reprocess_log (id, audit_id, attempt, reason, triggered_by, state_before, state_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AuditID, e.Attempt, e.Reason, string(e.TriggeredBy), e.StateBefore, e.StateAfter, orNow(e.CreatedAt),
	)
	return eris.Wrapf(err, "postgres: append reprocess log %s", e.AuditID)
}

func (s *PostgresStore) ListReprocessLog(ctx context.Context, auditID string) ([]model.ReprocessLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, attempt, reason, triggered_by, state_before, state_after, created_at
		 FROM reprocess_log WHERE audit_id = $1 ORDER BY created_at, attempt`, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list reprocess log %s", auditID)
	}
	defer rows.Close()

	out := []model.ReprocessLogEntry{}
	for rows.Next() {
		var e model.ReprocessLogEntry
		var trig string
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Attempt, &e.Reason, &trig, &e.StateBefore, &e.StateAfter, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reprocess log")
		}
		e.TriggeredBy = model.Trigger(trig)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reprocess log iterate")
}

// --- Audit-level defects ---

func (s *PostgresStore) AddAuditDefects(ctx context.Context, auditID, source string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_defects (audit_id, source, defects, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (audit_id, source) DO UPDATE
		 SET defects = audit_defects.defects + EXCLUDED.defects, updated_at = now()`,
		auditID, source, n,
	)
	return eris.Wrapf(err, "postgres: add %s defects %s", source, auditID)
}

func (s *PostgresStore) CountAuditDefects(ctx context.Context, auditID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(defects), 0) FROM audit_defects WHERE audit_id = $1`, auditID).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count defects %s", auditID)
	}
	return n, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
