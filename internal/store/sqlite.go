package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// sqliteTime is fixed-width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// SQLiteStore implements Store on modernc.org/sqlite through sqlx. It backs
// local runs and the engine-level tests.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLite opens a SQLite database at path in WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle so the SQLite job queue can share the file.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	industry    TEXT NOT NULL DEFAULT '',
	persona     TEXT NOT NULL DEFAULT '',
	competitors TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS audits (
	id                  TEXT PRIMARY KEY,
	company_id          TEXT NOT NULL,
	state               TEXT NOT NULL DEFAULT 'pending'
		CHECK (state IN ('pending', 'completed', 'failed') OR state LIKE 'processing:%'),
	query_count         INTEGER NOT NULL DEFAULT 0,
	started_at          TEXT,
	completed_at        TEXT,
	last_heartbeat      TEXT NOT NULL,
	overall_score       REAL,
	visibility_rate     REAL,
	geo_score           REAL,
	sov_score           REAL,
	data_quality_score  REAL,
	data_quality_status TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	reprocess_count     INTEGER NOT NULL DEFAULT 0,
	last_reprocess_at   TEXT,
	stop_requested      INTEGER NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audits_state_heartbeat ON audits(state, last_heartbeat);

CREATE TABLE IF NOT EXISTS queries (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL,
	category   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id                  TEXT PRIMARY KEY,
	audit_id            TEXT NOT NULL,
	query_id            TEXT NOT NULL,
	category            TEXT NOT NULL,
	provider            TEXT NOT NULL,
	text                TEXT NOT NULL,
	payload             TEXT,
	brand_mentioned     INTEGER,
	mention_count       INTEGER,
	mention_position    REAL,
	sentiment           TEXT,
	geo_score           REAL,
	sov_score           REAL,
	competitor_mentions TEXT,
	feature_mentions    TEXT,
	defects             INTEGER,
	analyzed_at         TEXT,
	created_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_responses_audit ON responses(audit_id);

CREATE TABLE IF NOT EXISTS batch_insights (
	audit_id        TEXT NOT NULL,
	category        TEXT NOT NULL,
	batch           INTEGER NOT NULL,
	extraction_type TEXT NOT NULL,
	items           TEXT NOT NULL,
	response_ids    TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (audit_id, category, batch, extraction_type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL,
	category        TEXT NOT NULL,
	extraction_type TEXT NOT NULL,
	items           TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE (audit_id, category, extraction_type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL,
	extraction_type TEXT NOT NULL,
	items           TEXT NOT NULL,
	reasoning       TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	UNIQUE (audit_id, extraction_type)
);

CREATE TABLE IF NOT EXISTS executive_summaries (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL UNIQUE,
	persona      TEXT NOT NULL DEFAULT '',
	headline     TEXT NOT NULL,
	summary      TEXT NOT NULL,
	key_findings TEXT NOT NULL,
	scores       TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reprocess_log (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	state_before TEXT NOT NULL,
	state_after  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_defects (
	audit_id   TEXT NOT NULL,
	source     TEXT NOT NULL,
	defects    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (audit_id, source)
);
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

// --- Companies ---

type sqliteCompany struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Industry    string `db:"industry"`
	Persona     string `db:"persona"`
	Competitors string `db:"competitors"`
}

func (s *SQLiteStore) CreateCompany(ctx context.Context, c model.Company) error {
	competitors, err := marshalJSON(nonNil(c.Competitors), "competitors")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, industry, persona, competitors) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, industry = excluded.industry,
		 persona = excluded.persona, competitors = excluded.competitors`,
		c.ID, c.Name, c.Industry, c.Persona, string(competitors),
	)
	return eris.Wrapf(err, "sqlite: upsert company %s", c.ID)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var row sqliteCompany
	err := s.db.GetContext(ctx, &row, `SELECT id, name, industry, persona, competitors FROM companies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("company", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", id)
	}
	c := &model.Company{ID: row.ID, Name: row.Name, Industry: row.Industry, Persona: row.Persona}
	if err := unmarshalJSON([]byte(row.Competitors), &c.Competitors, "competitors"); err != nil {
		return nil, err
	}
	c.Competitors = nonNil(c.Competitors)
	return c, nil
}

// --- Audits ---

type sqliteAudit struct {
	ID                string          `db:"id"`
	CompanyID         string          `db:"company_id"`
	State             string          `db:"state"`
	QueryCount        int             `db:"query_count"`
	StartedAt         sql.NullString  `db:"started_at"`
	CompletedAt       sql.NullString  `db:"completed_at"`
	LastHeartbeat     string          `db:"last_heartbeat"`
	OverallScore      sql.NullFloat64 `db:"overall_score"`
	VisibilityRate    sql.NullFloat64 `db:"visibility_rate"`
	GEOScore          sql.NullFloat64 `db:"geo_score"`
	SOVScore          sql.NullFloat64 `db:"sov_score"`
	DataQualityScore  sql.NullFloat64 `db:"data_quality_score"`
	DataQualityStatus string          `db:"data_quality_status"`
	ErrorMessage      string          `db:"error_message"`
	ReprocessCount    int             `db:"reprocess_count"`
	LastReprocessAt   sql.NullString  `db:"last_reprocess_at"`
	StopRequested     bool            `db:"stop_requested"`
	Version           int64           `db:"version"`
	CreatedAt         string          `db:"created_at"`
}

func (r sqliteAudit) toModel() (*model.Audit, error) {
	st, err := model.ParseState(r.State, r.ErrorMessage)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: audit %s", r.ID)
	}
	return &model.Audit{
		ID:                r.ID,
		CompanyID:         r.CompanyID,
		State:             st,
		QueryCount:        r.QueryCount,
		StartedAt:         parseNullTime(r.StartedAt),
		CompletedAt:       parseNullTime(r.CompletedAt),
		LastHeartbeat:     parseTime(r.LastHeartbeat),
		OverallScore:      nullFloat(r.OverallScore),
		VisibilityRate:    nullFloat(r.VisibilityRate),
		GEOScore:          nullFloat(r.GEOScore),
		SOVScore:          nullFloat(r.SOVScore),
		DataQualityScore:  nullFloat(r.DataQualityScore),
		DataQualityStatus: model.QualityTier(r.DataQualityStatus),
		ErrorMessage:      r.ErrorMessage,
		ReprocessCount:    r.ReprocessCount,
		LastReprocessAt:   parseNullTime(r.LastReprocessAt),
		StopRequested:     r.StopRequested,
		Version:           r.Version,
		CreatedAt:         parseTime(r.CreatedAt),
	}, nil
}

func (s *SQLiteStore) getAudit(ctx context.Context, query string, args ...any) (*model.Audit, error) {
	var row sqliteAudit
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *SQLiteStore) selectAudits(ctx context.Context, op, query string, args ...any) ([]model.Audit, error) {
	var rows []sqliteAudit
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	out := make([]model.Audit, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *SQLiteStore) CreateAudit(ctx context.Context, a model.Audit) (*model.Audit, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State.IsZero() {
		a.State = model.Pending()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = a.CreatedAt
	}
	out, err := s.getAudit(ctx,
		`INSERT INTO audits (id, company_id, state, query_count, error_message, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING `+auditColumns,
		a.ID, a.CompanyID, a.State.String(), a.QueryCount, failureReason(a.State),
		fmtTime(a.LastHeartbeat), fmtTime(a.CreatedAt),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert audit %s", a.ID)
	}
	return out, nil
}

func (s *SQLiteStore) GetAudit(ctx context.Context, id string) (*model.Audit, error) {
	a, err := s.getAudit(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audit", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get audit %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE 1=1`
	args := []any{}
	if filter.Kind != "" {
		query += ` AND (state = ? OR state LIKE ?)`
		args = append(args, filter.Kind, filter.Kind+":%")
	}
	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)
	return s.selectAudits(ctx, "list audits", query, args...)
}

func (s *SQLiteStore) UpdateAuditState(ctx context.Context, id string, expectedVersion int64, u AuditUpdate) (*model.Audit, error) {
	overall, visibility, geo, sov, quality, tier := scoreArgs(u.Scores)
	a, err := s.getAudit(ctx,
		`UPDATE audits SET
			state = ?,
			error_message = ?,
			last_heartbeat = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			overall_score = COALESCE(?, overall_score),
			visibility_rate = COALESCE(?, visibility_rate),
			geo_score = COALESCE(?, geo_score),
			sov_score = COALESCE(?, sov_score),
			data_quality_score = COALESCE(?, data_quality_score),
			data_quality_status = COALESCE(?, data_quality_status),
			version = version + 1
		 WHERE id = ? AND version = ?
		 RETURNING `+auditColumns,
		u.State.String(), failureReason(u.State), fmtTime(u.Heartbeat),
		fmtTimePtr(u.StartedAt), fmtTimePtr(u.CompletedAt),
		overall, visibility, geo, sov, quality, tier, id, expectedVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update audit state %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, id string) error {
	var v int64
	err := s.db.GetContext(ctx, &v, `SELECT version FROM audits WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("audit", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check audit %s", id)
	}
	return conflict("audit", id)
}

func (s *SQLiteStore) ListStaleAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.selectAudits(ctx, "list stale audits",
		`SELECT `+auditColumns+` FROM audits a
		 WHERE a.state LIKE 'processing:%' AND a.last_heartbeat < ?
		   AND EXISTS (SELECT 1 FROM responses r WHERE r.audit_id = a.id AND r.analyzed_at IS NOT NULL)
		 ORDER BY a.last_heartbeat LIMIT ?`,
		fmtTime(before), limit,
	)
}

func (s *SQLiteStore) ListStalledAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.selectAudits(ctx, "list stalled audits",
		`SELECT `+auditColumns+` FROM audits a
		 WHERE a.state LIKE 'processing:%' AND a.last_heartbeat < ?
		   AND NOT EXISTS (SELECT 1 FROM responses r WHERE r.audit_id = a.id AND r.analyzed_at IS NOT NULL)
		 ORDER BY a.last_heartbeat LIMIT ?`,
		fmtTime(before), limit,
	)
}

func (s *SQLiteStore) RequestStop(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE audits SET stop_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request stop %s", id)
	}
	return checkRowsAffected(res, "audit", id)
}

func (s *SQLiteStore) IncrementReprocess(ctx context.Context, id string, expectedVersion int64, now time.Time) (*model.Audit, error) {
	ts := fmtTime(now)
	a, err := s.getAudit(ctx,
		`UPDATE audits SET reprocess_count = reprocess_count + 1, last_reprocess_at = ?,
			last_heartbeat = ?, version = version + 1
		 WHERE id = ? AND version = ?
		 RETURNING `+auditColumns,
		ts, ts, id, expectedVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: increment reprocess %s", id)
	}
	return a, nil
}

// --- Queries and responses ---

func (s *SQLiteStore) CreateQueries(ctx context.Context, queries []model.Query) error {
	return s.inTx(ctx, "insert queries", func(tx *sqlx.Tx) error {
		for _, q := range queries {
			if q.ID == "" {
				q.ID = uuid.New().String()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO queries (id, audit_id, category, text, created_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				q.ID, q.AuditID, q.Category, q.Text, fmtTime(orNow(q.CreatedAt))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) CreateResponses(ctx context.Context, responses []model.Response) error {
	return s.inTx(ctx, "insert responses", func(tx *sqlx.Tx) error {
		for _, r := range responses {
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			var payload any
			if len(r.Payload) > 0 {
				payload = string(r.Payload)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO responses (id, audit_id, query_id, category, provider, text, payload, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				r.ID, r.AuditID, r.QueryID, r.Category, r.Provider, r.Text, payload, fmtTime(orNow(r.CreatedAt))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s begin", op)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s commit", op)
}

type sqliteResponse struct {
	ID                 string          `db:"id"`
	AuditID            string          `db:"audit_id"`
	QueryID            string          `db:"query_id"`
	Category           string          `db:"category"`
	Provider           string          `db:"provider"`
	Text               string          `db:"text"`
	Payload            sql.NullString  `db:"payload"`
	BrandMentioned     sql.NullBool    `db:"brand_mentioned"`
	MentionCount       sql.NullInt64   `db:"mention_count"`
	MentionPosition    sql.NullFloat64 `db:"mention_position"`
	Sentiment          sql.NullString  `db:"sentiment"`
	GEOScore           sql.NullFloat64 `db:"geo_score"`
	SOVScore           sql.NullFloat64 `db:"sov_score"`
	CompetitorMentions sql.NullString  `db:"competitor_mentions"`
	FeatureMentions    sql.NullString  `db:"feature_mentions"`
	Defects            sql.NullInt64   `db:"defects"`
	AnalyzedAt         sql.NullString  `db:"analyzed_at"`
	CreatedAt          string          `db:"created_at"`
}

func (r sqliteResponse) toModel() (model.Response, error) {
	out := model.Response{
		ID:        r.ID,
		AuditID:   r.AuditID,
		QueryID:   r.QueryID,
		Category:  r.Category,
		Provider:  r.Provider,
		Text:      r.Text,
		CreatedAt: parseTime(r.CreatedAt),
	}
	if r.Payload.Valid && r.Payload.String != "" {
		out.Payload = []byte(r.Payload.String)
	}
	analyzed := parseNullTime(r.AnalyzedAt)
	if analyzed == nil {
		return out, nil
	}
	m := &model.ResponseMetrics{
		BrandMentioned:  r.BrandMentioned.Bool,
		MentionCount:    int(r.MentionCount.Int64),
		MentionPosition: r.MentionPosition.Float64,
		Sentiment:       model.Sentiment(r.Sentiment.String),
		GEOScore:        r.GEOScore.Float64,
		SOVScore:        r.SOVScore.Float64,
		Defects:         int(r.Defects.Int64),
		AnalyzedAt:      *analyzed,
	}
	if err := unmarshalJSON([]byte(r.CompetitorMentions.String), &m.CompetitorMentions, "competitor mentions"); err != nil {
		return out, err
	}
	if err := unmarshalJSON([]byte(r.FeatureMentions.String), &m.FeatureMentions, "feature mentions"); err != nil {
		return out, err
	}
	m.CompetitorMentions = nonNil(m.CompetitorMentions)
	m.FeatureMentions = nonNil(m.FeatureMentions)
	out.Metrics = m
	return out, nil
}

func (s *SQLiteStore) selectResponses(ctx context.Context, query, auditID string) ([]model.Response, error) {
	var rows []sqliteResponse
	if err := s.db.SelectContext(ctx, &rows, query, auditID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list responses %s", auditID)
	}
	out := make([]model.Response, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	return s.selectResponses(ctx, `SELECT `+responseColumns+` FROM responses WHERE audit_id = ? ORDER BY created_at, id`, auditID)
}

func (s *SQLiteStore) ListAnalyzedResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	return s.selectResponses(ctx, `SELECT `+responseColumns+` FROM responses
		WHERE audit_id = ? AND analyzed_at IS NOT NULL ORDER BY created_at, id`, auditID)
}

func (s *SQLiteStore) SaveResponseMetrics(ctx context.Context, responseID string, m model.ResponseMetrics) (int64, error) {
	competitors, err := marshalJSON(nonNil(m.CompetitorMentions), "competitor mentions")
	if err != nil {
		return 0, err
	}
	features, err := marshalJSON(nonNil(m.FeatureMentions), "feature mentions")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE responses SET brand_mentioned = ?, mention_count = ?, mention_position = ?, sentiment = ?,
			geo_score = ?, sov_score = ?, competitor_mentions = ?, feature_mentions = ?, defects = ?,
			analyzed_at = ?
		 WHERE id = ? AND analyzed_at IS NULL`,
		m.BrandMentioned, m.MentionCount, m.MentionPosition, string(m.Sentiment),
		m.GEOScore, m.SOVScore, string(competitors), string(features), m.Defects,
		fmtTime(orNow(m.AnalyzedAt)), responseID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: save response metrics %s", responseID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountAnalyzedResponses(ctx context.Context, auditID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM responses WHERE audit_id = ? AND analyzed_at IS NOT NULL`, auditID)
	return n, eris.Wrapf(err, "sqlite: count analyzed responses %s", auditID)
}

// --- Funnel ---

func (s *SQLiteStore) insertIgnore(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s rows affected", op)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SaveBatchInsight(ctx context.Context, b model.BatchInsight) (bool, error) {
	items, err := marshalJSON(nonNil(b.Items), "batch items")
	if err != nil {
		return false, err
	}
	ids, err := marshalJSON(nonNil(b.ResponseIDs), "batch response ids")
	if err != nil {
		return false, err
	}
	return s.insertIgnore(ctx, "save batch insight",
		`INSERT INTO batch_insights (audit_id, category, batch, extraction_type, items, response_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (audit_id, category, batch, extraction_type) DO NOTHING`,
		b.AuditID, b.Category, b.Batch, string(b.Type), string(items), string(ids), fmtTime(orNow(b.CreatedAt)),
	)
}

type sqliteBatch struct {
	AuditID     string `db:"audit_id"`
	Category    string `db:"category"`
	Batch       int    `db:"batch"`
	Type        string `db:"extraction_type"`
	Items       string `db:"items"`
	ResponseIDs string `db:"response_ids"`
	CreatedAt   string `db:"created_at"`
}

func (s *SQLiteStore) ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error) {
	var rows []sqliteBatch
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT audit_id, category, batch, extraction_type, items, response_ids, created_at
		 FROM batch_insights WHERE audit_id = ? ORDER BY category, batch, extraction_type`, auditID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list batch insights %s", auditID)
	}
	out := make([]model.BatchInsight, 0, len(rows))
	for _, r := range rows {
		b := model.BatchInsight{
			AuditID: r.AuditID, Category: r.Category, Batch: r.Batch,
			Type: model.ExtractionType(r.Type), CreatedAt: parseTime(r.CreatedAt),
		}
		if err := unmarshalJSON([]byte(r.Items), &b.Items, "batch items"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON([]byte(r.ResponseIDs), &b.ResponseIDs, "batch response ids"); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SQLiteStore) SaveCategoryInsight(ctx context.Context, c model.CategoryInsight) (bool, error) {
	items, err := marshalJSON(nonNil(c.Items), "category items")
	if err != nil {
		return false, err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return s.insertIgnore(ctx, "save category insight",
		`INSERT INTO category_insights (id, audit_id, category, extraction_type, items, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (audit_id, category, extraction_type) DO NOTHING`,
		c.ID, c.AuditID, c.Category, string(c.Type), string(items), fmtTime(orNow(c.CreatedAt)),
	)
}

type sqliteCategory struct {
	ID        string `db:"id"`
	AuditID   string `db:"audit_id"`
	Category  string `db:"category"`
	Type      string `db:"extraction_type"`
	Items     string `db:"items"`
	CreatedAt string `db:"created_at"`
}

func (s *SQLiteStore) ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error) {
	var rows []sqliteCategory
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, audit_id, category, extraction_type, items, created_at
		 FROM category_insights WHERE audit_id = ? ORDER BY category, extraction_type`, auditID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list category insights %s", auditID)
	}
	out := make([]model.CategoryInsight, 0, len(rows))
	for _, r := range rows {
		c := model.CategoryInsight{
			ID: r.ID, AuditID: r.AuditID, Category: r.Category,
			Type: model.ExtractionType(r.Type), CreatedAt: parseTime(r.CreatedAt),
		}
		if err := unmarshalJSON([]byte(r.Items), &c.Items, "category items"); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLiteStore) SaveStrategicPriority(ctx context.Context, p model.StrategicPriority) (bool, error) {
	items, err := marshalJSON(nonNil(p.Items), "priority items")
	if err != nil {
		return false, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return s.insertIgnore(ctx, "save strategic priority",
		`INSERT INTO strategic_priorities (id, audit_id, extraction_type, items, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (audit_id, extraction_type) DO NOTHING`,
		p.ID, p.AuditID, string(p.Type), string(items), p.Reasoning, fmtTime(orNow(p.CreatedAt)),
	)
}

type sqlitePriority struct {
	ID        string `db:"id"`
	AuditID   string `db:"audit_id"`
	Type      string `db:"extraction_type"`
	Items     string `db:"items"`
	Reasoning string `db:"reasoning"`
	CreatedAt string `db:"created_at"`
}

func (s *SQLiteStore) ListStrategicPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error) {
	var rows []sqlitePriority
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, audit_id, extraction_type, items, reasoning, created_at
		 FROM strategic_priorities WHERE audit_id = ? ORDER BY extraction_type`, auditID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list strategic priorities %s", auditID)
	}
	out := make([]model.StrategicPriority, 0, len(rows))
	for _, r := range rows {
		p := model.StrategicPriority{
			ID: r.ID, AuditID: r.AuditID, Type: model.ExtractionType(r.Type),
			Reasoning: r.Reasoning, CreatedAt: parseTime(r.CreatedAt),
		}
		if err := unmarshalJSON([]byte(r.Items), &p.Items, "priority items"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLiteStore) SaveExecutiveSummary(ctx context.Context, e model.ExecutiveSummary) (bool, error) {
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
	return s.insertIgnore(ctx, "save executive summary",
		`INSERT INTO executive_summaries (id, audit_id, persona, headline, summary, key_findings, scores, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (audit_id) DO NOTHING`,
		e.ID, e.AuditID, e.Persona, e.Headline, e.Summary, string(findings), string(scores), fmtTime(orNow(e.CreatedAt)),
	)
}

type sqliteSummary struct {
	ID          string `db:"id"`
	AuditID     string `db:"audit_id"`
	Persona     string `db:"persona"`
	Headline    string `db:"headline"`
	Summary     string `db:"summary"`
	KeyFindings string `db:"key_findings"`
	Scores      string `db:"scores"`
	CreatedAt   string `db:"created_at"`
}

func (s *SQLiteStore) GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error) {
	var r sqliteSummary
	err := s.db.GetContext(ctx, &r,
		`SELECT id, audit_id, persona, headline, summary, key_findings, scores, created_at
		 FROM executive_summaries WHERE audit_id = ?`, auditID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get executive summary %s", auditID)
	}
	e := &model.ExecutiveSummary{
		ID: r.ID, AuditID: r.AuditID, Persona: r.Persona, Headline: r.Headline,
		Summary: r.Summary, CreatedAt: parseTime(r.CreatedAt),
	}
	if err := unmarshalJSON([]byte(r.KeyFindings), &e.KeyFindings, "key findings"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON([]byte(r.Scores), &e.Scores, "summary scores"); err != nil {
		return nil, err
	}
	return e, nil
}

// --- Reprocess log ---

func (s *SQLiteStore) AppendReprocessLog(ctx context.Context, e model.ReprocessLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reprocess_log (id, audit_id, attempt, reason, triggered_by, state_before, state_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AuditID, e.Attempt, e.Reason, string(e.TriggeredBy), e.StateBefore, e.StateAfter, fmtTime(orNow(e.CreatedAt)),
	)
	return eris.Wrapf(err, "sqlite: append reprocess log %s", e.AuditID)
}

type sqliteLogEntry struct {
	ID          string `db:"id"`
	AuditID     string `db:"audit_id"`
	Attempt     int    `db:"attempt"`
	Reason      string `db:"reason"`
	TriggeredBy string `db:"triggered_by"`
	StateBefore string `db:"state_before"`
	StateAfter  string `db:"state_after"`
	CreatedAt   string `db:"created_at"`
}

func (s *SQLiteStore) ListReprocessLog(ctx context.Context, auditID string) ([]model.ReprocessLogEntry, error) {
	var rows []sqliteLogEntry
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, audit_id, attempt, reason, triggered_by, state_before, state_after, created_at
		 FROM reprocess_log WHERE audit_id = ? ORDER BY created_at, attempt`, auditID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list reprocess log %s", auditID)
	}
	out := make([]model.ReprocessLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ReprocessLogEntry{
			ID: r.ID, AuditID: r.AuditID, Attempt: r.Attempt, Reason: r.Reason,
			TriggeredBy: model.Trigger(r.TriggeredBy), StateBefore: r.StateBefore,
			StateAfter: r.StateAfter, CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// --- Audit-level defects ---

func (s *SQLiteStore) AddAuditDefects(ctx context.Context, auditID, source string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_defects (audit_id, source, defects, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (audit_id, source) DO UPDATE
		 SET defects = audit_defects.defects + excluded.defects, updated_at = excluded.updated_at`,
		auditID, source, n, fmtTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: add %s defects %s", source, auditID)
}

func (s *SQLiteStore) CountAuditDefects(ctx context.Context, auditID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COALESCE(SUM(defects), 0) FROM audit_defects WHERE audit_id = ?`, auditID); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count defects %s", auditID)
	}
	return n, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
