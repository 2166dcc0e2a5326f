// Package monitoring recovers stuck audits and raises alerts about them.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/projection"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// Reasons written to the reprocess log and to failed audits.
const (
	ReasonHealed    = "auto-healed: artifact exists"
	ReasonExhausted = "exceeded max reprocess attempts"
)

// TickResult lists the audits touched by one Check pass. Stalled counts the
// stale audits that never got an analyzed response.
type TickResult struct {
	Stale     int      `json:"stale"`
	Stalled   int      `json:"stalled"`
	Healed    []string `json:"healed,omitempty"`
	Exhausted []string `json:"exhausted,omitempty"`
	Requeued  []string `json:"requeued,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Checker finds audits whose worker stopped heartbeating and either heals,
// fails or requeues them.
type Checker struct {
	store     store.Store
	machine   *audit.Machine
	queue     queue.Queue
	projector projection.Projector
	alerter   *Alerter
	collector *Collector
	cfg       config.MonitorConfig
	budget    resilience.Budget
}

// snapshotEvery is how many recovery passes run between metric snapshots.
const snapshotEvery = 10

// NewChecker creates a recovery checker. p receives healed audits and may be
// nil, as may alerter.
func NewChecker(st store.Store, m *audit.Machine, q queue.Queue, p projection.Projector, alerter *Alerter, cfg config.MonitorConfig) *Checker {
	if cfg.MaxReprocess <= 0 {
		cfg.MaxReprocess = 3
	}
	if p == nil {
		p = projection.Noop{}
	}
	return &Checker{
		store:     st,
		machine:   m,
		queue:     q,
		projector: p,
		alerter:   alerter,
		collector: NewCollector(st),
		cfg:       cfg,
		budget:    resilience.Budget{Max: cfg.MaxReprocess},
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting recovery monitor",
		zap.Duration("interval", interval),
		zap.Duration("stale_timeout", c.staleTimeout()),
		zap.Int("max_reprocess", c.cfg.MaxReprocess),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			log.Info("recovery monitor stopped")
			return
		case <-ticker.C:
			res, err := c.Check(ctx)
			if err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
				continue
			}
			if c.alerter == nil {
				continue
			}
			c.alerter.SendAlerts(ctx, c.alerter.EvaluateTick(res))
			if tick%snapshotEvery == 0 {
				c.snapshot(ctx, log)
			}
		}
	}
}

func (c *Checker) snapshot(ctx context.Context, log *zap.Logger) {
	lookback := c.cfg.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}
	sent := c.alerter.SendAlerts(ctx, c.alerter.Evaluate(snap))
	log.Debug("monitoring: snapshot evaluated",
		zap.Int("audits", snap.Total),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("alerts_sent", sent),
	)
}

func (c *Checker) staleTimeout() time.Duration {
	d := time.Duration(c.cfg.StaleTimeoutSecs) * time.Second
	if d <= 0 {
		d = 10 * time.Minute
	}
	return d
}

// Check runs one pass over the stale audits. Audits that stalled before any
// response was analyzed go through the same budget, so a worker that died
// or gave up early never leaves its audit in Processing for good.
func (c *Checker) Check(ctx context.Context) (TickResult, error) {
	var res TickResult
	before := c.machine.Now().Add(-c.staleTimeout())
	stale, err := c.store.ListStaleAudits(ctx, before, c.cfg.BatchLimit)
	if err != nil {
		return res, eris.Wrap(err, "monitoring: list stale audits")
	}
	stalled, err := c.store.ListStalledAudits(ctx, before, c.cfg.BatchLimit)
	if err != nil {
		return res, eris.Wrap(err, "monitoring: list stalled audits")
	}
	res.Stalled = len(stalled)
	analyzed := len(stale)
	stale = append(stale, stalled...)
	res.Stale = len(stale)

	for i := range stale {
		a := &stale[i]
		log := zap.L().With(zap.String("audit_id", a.ID), zap.String("state", a.State.String()))
		outcome, err := c.recover(ctx, a, i < analyzed)
		if err != nil {
			// A conflict means a worker or another monitor touched the row
			// since it was listed.
			if resilience.IsConflict(err) {
				log.Debug("monitoring: audit changed underneath, skipping")
			} else {
				log.Error("monitoring: recovery failed", zap.Error(err))
			}
			res.Skipped = append(res.Skipped, a.ID)
			continue
		}
		switch outcome {
		case ReasonHealed:
			res.Healed = append(res.Healed, a.ID)
		case ReasonExhausted:
			res.Exhausted = append(res.Exhausted, a.ID)
		default:
			res.Requeued = append(res.Requeued, a.ID)
		}
	}

	if res.Stale > 0 {
		zap.L().Info("monitoring: recovery pass complete",
			zap.Int("stale", res.Stale),
			zap.Int("stalled", res.Stalled),
			zap.Int("healed", len(res.Healed)),
			zap.Int("exhausted", len(res.Exhausted)),
			zap.Int("requeued", len(res.Requeued)),
			zap.Int("skipped", len(res.Skipped)),
		)
	}
	return res, nil
}

// recover returns the reprocess log reason for what it did. analyzed tells
// whether the audit has at least one analyzed response.
func (c *Checker) recover(ctx context.Context, a *model.Audit, analyzed bool) (string, error) {
	before := a.State.String()

	summary, err := c.store.GetExecutiveSummary(ctx, a.ID)
	if err != nil {
		return "", eris.Wrapf(err, "monitoring: get summary %s", a.ID)
	}
	if summary != nil {
		healed, err := c.machine.Complete(ctx, a.ID, summary.Scores)
		if err != nil {
			return "", err
		}
		// The crash that stranded the audit came before its hand-off ran.
		if perr := c.projector.Project(ctx, healed, summary); perr != nil {
			zap.L().Error("monitoring: projection of healed audit failed",
				zap.String("audit_id", a.ID),
				zap.Error(perr),
			)
		}
		return ReasonHealed, c.logAttempt(ctx, a.ID, a.ReprocessCount, ReasonHealed, before, healed.State.String())
	}

	if err := c.budget.Check(a.ReprocessCount); err != nil {
		failed, ferr := c.machine.Fail(ctx, a.ID, ReasonExhausted)
		if ferr != nil {
			return "", ferr
		}
		zap.L().Warn("monitoring: reprocess budget exhausted",
			zap.String("audit_id", a.ID),
			zap.Int("reprocess_count", a.ReprocessCount),
			zap.Error(err),
		)
		return ReasonExhausted, c.logAttempt(ctx, a.ID, a.ReprocessCount, ReasonExhausted, before, failed.State.String())
	}

	bumped, err := c.store.IncrementReprocess(ctx, a.ID, a.Version, c.machine.Now())
	if err != nil {
		return "", err
	}
	phase, _ := a.State.Phase()
	reason := fmt.Sprintf("stale heartbeat since %s in %s", a.LastHeartbeat.Format(time.RFC3339), phase)
	if !analyzed {
		reason = fmt.Sprintf("stalled before analysis since %s in %s", a.LastHeartbeat.Format(time.RFC3339), phase)
	}
	if err := c.logAttempt(ctx, a.ID, bumped.ReprocessCount, reason, before, bumped.State.String()); err != nil {
		return "", err
	}

	jobID, err := c.queue.Enqueue(ctx, model.AuditJob{
		AuditID:         a.ID,
		CompanyID:       a.CompanyID,
		QueryCount:      a.QueryCount,
		ResumeFromPhase: phase,
		Source:          string(model.TriggerMonitor),
	})
	if err != nil {
		return "", eris.Wrapf(err, "monitoring: enqueue resume for %s", a.ID)
	}
	zap.L().Info("monitoring: resume job enqueued",
		zap.String("audit_id", a.ID),
		zap.String("job_id", jobID),
		zap.Int("attempt", bumped.ReprocessCount),
		zap.Int("remaining", c.budget.Remaining(bumped.ReprocessCount)),
	)
	return reason, nil
}

func (c *Checker) logAttempt(ctx context.Context, auditID string, attempt int, reason, before, after string) error {
	err := c.store.AppendReprocessLog(ctx, model.ReprocessLogEntry{
		ID:          uuid.New().String(),
		AuditID:     auditID,
		Attempt:     attempt,
		Reason:      reason,
		TriggeredBy: model.TriggerMonitor,
		StateBefore: before,
		StateAfter:  after,
		CreatedAt:   c.machine.Now(),
	})
	if err != nil {
		return eris.Wrapf(err, "monitoring: append reprocess log %s", auditID)
	}
	return nil
}
