package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// Pool runs a fixed number of workers against a queue consumer.
type Pool struct {
	consumer  queue.Consumer
	handler   queue.Handler
	size      int
	nackDelay time.Duration

	succeeded atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
}

// NewPool returns a Pool of size workers.
func NewPool(c queue.Consumer, h queue.Handler, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{consumer: c, handler: h, size: size, nackDelay: 30 * time.Second}
}

// Stats returns the succeeded, failed and requeued job counts.
func (p *Pool) Stats() (succeeded, failed, requeued int64) {
	return p.succeeded.Load(), p.failed.Load(), p.requeued.Load()
}

// Run blocks until ctx is done. A job is acked once its audit was claimed,
// whatever the outcome; a transient claim failure puts it back on the queue.
func (p *Pool) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting", zap.Int("workers", p.size))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				d, err := p.consumer.Next(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					zap.L().Error("worker: receive job", zap.Int("worker", i), zap.Error(err))
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				p.deliver(gctx, i, d)
			}
		})
	}
	err := g.Wait()
	zap.L().Info("worker pool stopped",
		zap.Int64("succeeded", p.succeeded.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Int64("requeued", p.requeued.Load()),
	)
	return err
}

func (p *Pool) deliver(ctx context.Context, worker int, d *queue.Delivery) {
	log := zap.L().With(
		zap.Int("worker", worker),
		zap.String("job_id", d.ID),
		zap.String("audit_id", d.Job.AuditID),
		zap.Int("attempts", d.Attempts),
	)

	err := p.handler.Handle(ctx, d.Job)
	// Settle the delivery even when shutdown cancelled ctx mid-job.
	actx := context.WithoutCancel(ctx)

	var claim *ClaimError
	if errors.As(err, &claim) && resilience.IsTransient(err) {
		log.Warn("worker: claim failed, requeueing", zap.Error(err))
		if nerr := d.Nack(actx, p.nackDelay); nerr != nil {
			log.Error("worker: nack failed", zap.Error(nerr))
		}
		p.requeued.Add(1)
		return
	}

	if aerr := d.Ack(actx); aerr != nil {
		log.Error("worker: ack failed", zap.Error(aerr))
	}
	if err != nil {
		log.Error("worker: job failed", zap.Error(err))
		p.failed.Add(1)
		return
	}
	log.Info("worker: job done")
	p.succeeded.Add(1)
}
