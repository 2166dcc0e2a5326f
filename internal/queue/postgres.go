package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS audit_jobs (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL,
	leased_until TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_jobs_available ON audit_jobs (available_at);
`

// Postgres is a lease-table queue. Concurrent consumers never receive the
// same job thanks to FOR UPDATE SKIP LOCKED.
type Postgres struct {
	pool    store.Pool
	opts    Options
	nowFunc func() time.Time
}

// NewPostgres returns a queue sharing the store's pool.
func NewPostgres(pool store.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts.withDefaults(), nowFunc: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the jobs table.
func (q *Postgres) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "queue: postgres migrate")
	}
	return nil
}

// Enqueue implements Queue.
func (q *Postgres) Enqueue(ctx context.Context, job model.AuditJob) (string, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := q.nowFunc()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO audit_jobs (id, audit_id, payload, attempts, available_at, created_at)
		 VALUES ($1, $2, $3, 0, $4, $4)`,
		id, job.AuditID, payload, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "queue: enqueue job for audit %s", job.AuditID)
	}
	return id, nil
}

// Next implements Consumer.
func (q *Postgres) Next(ctx context.Context) (*Delivery, error) {
	return poll(ctx, q.opts.PollInterval, q.lease)
}

func (q *Postgres) lease(ctx context.Context) (*Delivery, error) {
	now := q.nowFunc()
	var (
		id       string
		payload  []byte
		attempts int
	)
	err := q.pool.QueryRow(ctx,
		`UPDATE audit_jobs SET leased_until = $1, attempts = attempts + 1
		 WHERE id = (
			SELECT id FROM audit_jobs
			 WHERE available_at <= $2 AND (leased_until IS NULL OR leased_until < $2)
			 ORDER BY available_at, created_at
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1)
		 RETURNING id, payload, attempts`,
		now.Add(q.opts.Lease), now,
	).Scan(&id, &payload, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errEmpty
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease job")
	}
	job, err := decodeJob(id, payload)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ID:       id,
		Job:      job,
		Attempts: attempts,
		ack: func(ctx context.Context) error {
			if _, err := q.pool.Exec(ctx, `DELETE FROM audit_jobs WHERE id = $1`, id); err != nil {
				return eris.Wrapf(err, "queue: ack %s", id)
			}
			return nil
		},
		nack: func(ctx context.Context, delay time.Duration) error {
			_, err := q.pool.Exec(ctx,
				`UPDATE audit_jobs SET leased_until = NULL, available_at = $2 WHERE id = $1`,
				id, q.nowFunc().Add(delay),
			)
			if err != nil {
				return eris.Wrapf(err, "queue: nack %s", id)
			}
			return nil
		},
	}, nil
}
