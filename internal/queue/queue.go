// Package queue carries audit jobs from the API and the recovery monitor to
// workers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// Queue accepts jobs.
type Queue interface {
	// Enqueue stores job and returns its id.
	Enqueue(ctx context.Context, job model.AuditJob) (string, error)
}

// Consumer hands out leased jobs.
type Consumer interface {
	// Next blocks until a job is leased or ctx is done.
	Next(ctx context.Context) (*Delivery, error)
}

// Handler processes one job. The worker's Processor implements it.
type Handler interface {
	Handle(ctx context.Context, job model.AuditJob) error
}

// Delivery is one leased job. Exactly one of Ack or Nack should be called.
type Delivery struct {
	ID       string
	Job      model.AuditJob
	Attempts int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, delay time.Duration) error
}

// Ack removes the job from the queue.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack releases the lease; the job becomes visible again after delay.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration) error { return d.nack(ctx, delay) }

// Options tunes table-backed queues.
type Options struct {
	// Lease is how long a delivered job stays invisible to other consumers.
	Lease time.Duration
	// PollInterval is the wait between empty polls.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

var errEmpty = eris.New("queue: empty")

// poll calls try until it returns a delivery, a non-empty error, or ctx ends.
func poll(ctx context.Context, interval time.Duration, try func(ctx context.Context) (*Delivery, error)) (*Delivery, error) {
	for {
		d, err := try(ctx)
		if err == nil {
			return d, nil
		}
		if !eris.Is(err, errEmpty) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func encodeJob(job model.AuditJob) ([]byte, error) {
	if job.AuditID == "" {
		return nil, eris.New("queue: job has no audit id")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal job")
	}
	return b, nil
}

func decodeJob(id string, payload []byte) (model.AuditJob, error) {
	var job model.AuditJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, eris.Wrapf(err, "queue: decode job %s", id)
	}
	return job, nil
}
