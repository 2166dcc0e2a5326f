package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS audit_jobs (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL,
	payload      TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	leased_until INTEGER,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_jobs_available ON audit_jobs (available_at);
`

// SQLite is a lease-table queue for single-node deployments. Times are
// stored as unix milliseconds.
type SQLite struct {
	db      *sqlx.DB
	opts    Options
	nowFunc func() time.Time
}

// NewSQLite returns a queue on the store's database handle.
func NewSQLite(db *sqlx.DB, opts Options) *SQLite {
	return &SQLite{db: db, opts: opts.withDefaults(), nowFunc: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the jobs table.
func (q *SQLite) Migrate(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "queue: sqlite migrate")
	}
	return nil
}

// Enqueue implements Queue.
func (q *SQLite) Enqueue(ctx context.Context, job model.AuditJob) (string, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := q.nowFunc().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO audit_jobs (id, audit_id, payload, attempts, available_at, created_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, job.AuditID, string(payload), now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "queue: enqueue job for audit %s", job.AuditID)
	}
	return id, nil
}

// Pending returns the number of jobs not yet acked.
func (q *SQLite) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_jobs`); err != nil {
		return 0, eris.Wrap(err, "queue: count jobs")
	}
	return n, nil
}

// Next implements Consumer.
func (q *SQLite) Next(ctx context.Context) (*Delivery, error) {
	return poll(ctx, q.opts.PollInterval, q.lease)
}

type jobRow struct {
	ID       string `db:"id"`
	Payload  string `db:"payload"`
	Attempts int    `db:"attempts"`
}

func (q *SQLite) lease(ctx context.Context) (*Delivery, error) {
	now := q.nowFunc()
	var row jobRow
	err := q.db.GetContext(ctx, &row,
		`UPDATE audit_jobs SET leased_until = ?, attempts = attempts + 1
		 WHERE id = (
			SELECT id FROM audit_jobs
			 WHERE available_at <= ? AND (leased_until IS NULL OR leased_until < ?)
			 ORDER BY available_at, created_at
			 LIMIT 1)
		 RETURNING id, payload, attempts`,
		now.Add(q.opts.Lease).UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errEmpty
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease job")
	}
	job, err := decodeJob(row.ID, []byte(row.Payload))
	if err != nil {
		return nil, err
	}
	id := row.ID
	return &Delivery{
		ID:       id,
		Job:      job,
		Attempts: row.Attempts,
		ack: func(ctx context.Context) error {
			if _, err := q.db.ExecContext(ctx, `DELETE FROM audit_jobs WHERE id = ?`, id); err != nil {
				return eris.Wrapf(err, "queue: ack %s", id)
			}
			return nil
		},
		nack: func(ctx context.Context, delay time.Duration) error {
			_, err := q.db.ExecContext(ctx,
				`UPDATE audit_jobs SET leased_until = NULL, available_at = ? WHERE id = ?`,
				q.nowFunc().Add(delay).UnixMilli(), id,
			)
			if err != nil {
				return eris.Wrapf(err, "queue: nack %s", id)
			}
			return nil
		},
	}, nil
}
