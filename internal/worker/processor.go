// Package worker drives claimed audits through their phases.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/analyzer"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/finalize"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/funnel"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

// ReasonStopped is the failure reason of an audit stopped on request.
const ReasonStopped = "stopped by request"

// heartbeatEvery is the minimum gap between heartbeats written from inside
// a long phase.
const heartbeatEvery = time.Minute

// ClaimError means the job never took ownership of its audit.
type ClaimError struct {
	AuditID string
	Err     error
}

func (e *ClaimError) Error() string { return "worker: claim " + e.AuditID + ": " + e.Err.Error() }
func (e *ClaimError) Unwrap() error { return e.Err }

// Deps are the collaborators of a Processor.
type Deps struct {
	Store     store.Store
	Machine   *audit.Machine
	Analyzer  *analyzer.Analyzer
	Funnel    *funnel.Funnel
	Finalizer *finalize.Finalizer
	Queries   QueryGenerator
	Responses ResponseCollector
}

// Processor runs one audit job at a time. It holds no per-audit state, so
// one Processor can serve many goroutines.
type Processor struct {
	store     store.Store
	machine   *audit.Machine
	analyzer  *analyzer.Analyzer
	funnel    *funnel.Funnel
	finalizer *finalize.Finalizer
	queries   QueryGenerator
	responses ResponseCollector
}

// NewProcessor returns a Processor. Nil input sources default to
// ExternalQueries and StoredResponses.
func NewProcessor(d Deps) *Processor {
	if d.Queries == nil {
		d.Queries = ExternalQueries{}
	}
	if d.Responses == nil {
		d.Responses = StoredResponses{Store: d.Store}
	}
	return &Processor{
		store:     d.Store,
		machine:   d.Machine,
		analyzer:  d.Analyzer,
		funnel:    d.Funnel,
		finalizer: d.Finalizer,
		queries:   d.Queries,
		responses: d.Responses,
	}
}

// Handle implements queue.Handler. A fresh job claims its Pending audit; a
// resume job re-enters at the last durable stage. A job whose audit is
// already owned or finished is dropped without error.
func (p *Processor) Handle(ctx context.Context, job model.AuditJob) error {
	log := zap.L().With(zap.String("audit_id", job.AuditID), zap.String("source", job.Source))
	if job.IsResume() {
		_, err := p.ResumeFromLastDurableStage(ctx, job.AuditID)
		return err
	}

	a, err := p.machine.Claim(ctx, job.AuditID)
	if err != nil {
		if resilience.IsConflict(err) {
			log.Info("worker: audit already claimed, dropping job")
			return nil
		}
		return &ClaimError{AuditID: job.AuditID, Err: err}
	}
	log.Info("worker: audit claimed", zap.Int("query_count", a.QueryCount))
	return p.run(ctx, a, model.PhaseQueries, job.Providers)
}

// run drives the audit from phase to the end and settles the outcome.
func (p *Processor) run(ctx context.Context, a *model.Audit, from model.Phase, providers []string) error {
	err := p.drive(ctx, a, from, providers)
	return p.settle(ctx, a.ID, err)
}

func (p *Processor) drive(ctx context.Context, a *model.Audit, from model.Phase, providers []string) error {
	company, err := p.store.GetCompany(ctx, a.CompanyID)
	if err != nil {
		return eris.Wrapf(err, "worker: get company %s", a.CompanyID)
	}

	for _, phase := range model.Phases[from.Index():] {
		log := zap.L().With(zap.String("audit_id", a.ID), zap.String("phase", string(phase)))
		if stopped, err := p.stopRequested(ctx, a.ID); err != nil {
			return err
		} else if stopped {
			return &resilience.StopRequestedError{AuditID: a.ID}
		}
		if a, err = p.machine.Advance(ctx, a.ID, phase); err != nil {
			return err
		}

		start := time.Now()
		switch phase {
		case model.PhaseQueries:
			n, err := p.queries.GenerateQueries(ctx, a, *company)
			if err != nil {
				return err
			}
			log.Info("worker: queries ready", zap.Int("queries", n))

		case model.PhaseCollecting:
			n, err := p.responses.CollectResponses(ctx, a, providers)
			if err != nil {
				return err
			}
			log.Info("worker: responses ready", zap.Int("responses", n))

		case model.PhaseAnalyzing:
			rec := validate.NewRecorder(a.ID)
			bc := analyzer.NewContext(*company, rec)
			sum, err := p.analyzer.AnalyzeAudit(ctx, a.ID, bc, p.checkpoint(a.ID))
			if derr := p.store.AddAuditDefects(ctx, a.ID, "company", rec.Total()); derr != nil {
				log.Warn("worker: record company defects failed", zap.Error(derr))
			}
			if err != nil {
				return err
			}
			log.Info("worker: responses analyzed",
				zap.Int("analyzed", sum.Analyzed),
				zap.Int("skipped", sum.Skipped),
				zap.Int("mentioned", sum.Mentioned),
				zap.Int("defects", sum.Defects+rec.Total()),
			)

		case model.PhaseAggregating:
			if err := p.aggregate(funnel.WithHeartbeat(ctx, p.keepAlive(a.ID)), a.ID, *company); err != nil {
				return err
			}

		case model.PhaseFinalizing:
			if _, err := p.finalizer.Finalize(funnel.WithHeartbeat(ctx, p.keepAlive(a.ID)), a.ID); err != nil {
				return err
			}
		}
		log.Debug("worker: phase done", zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// aggregate runs funnel stages A to C with a stop check and heartbeat
// between each.
func (p *Processor) aggregate(ctx context.Context, auditID string, company model.Company) error {
	stages := []func(context.Context) error{
		func(ctx context.Context) error { return p.funnel.StageA(ctx, auditID) },
		func(ctx context.Context) error { return p.funnel.StageB(ctx, auditID, company) },
		func(ctx context.Context) error { return p.funnel.StageC(ctx, auditID, company) },
	}
	check := p.checkpoint(auditID)
	for _, stage := range stages {
		if stopped, err := check(ctx); err != nil {
			return err
		} else if stopped {
			return &resilience.StopRequestedError{AuditID: auditID}
		}
		if err := stage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// settle turns the error of a run into the audit's final state.
func (p *Processor) settle(ctx context.Context, auditID string, err error) error {
	if err == nil {
		return nil
	}
	log := zap.L().With(zap.String("audit_id", auditID))

	switch resilience.Classify(err) {
	case resilience.KindStopRequested:
		if _, ferr := p.machine.Fail(ctx, auditID, ReasonStopped); ferr != nil {
			return eris.Wrap(ferr, "worker: fail stopped audit")
		}
		log.Info("worker: audit stopped on request")
		return nil

	case resilience.KindDataQuality:
		// The finalizer already failed the audit.
		log.Warn("worker: audit failed quality gate", zap.Error(err))
		return err

	case resilience.KindTransient, resilience.KindStageDependency, resilience.KindConflict:
		// Left in Processing; the recovery monitor resumes it later.
		log.Warn("worker: audit interrupted", zap.Error(err))
		return err
	}

	var invalid *audit.InvalidTransitionError
	if errors.As(err, &invalid) {
		log.Info("worker: audit moved on without this worker", zap.Error(err))
		return nil
	}

	log.Error("worker: audit failed", zap.Error(err))
	if _, ferr := p.machine.Fail(ctx, auditID, err.Error()); ferr != nil {
		log.Error("worker: could not record failure", zap.Error(ferr))
	}
	return err
}

func (p *Processor) stopRequested(ctx context.Context, auditID string) (bool, error) {
	a, err := p.store.GetAudit(ctx, auditID)
	if err != nil {
		return false, err
	}
	return a.StopRequested, nil
}

// checkpoint returns a StopFunc that also refreshes the heartbeat once a
// minute.
func (p *Processor) checkpoint(auditID string) analyzer.StopFunc {
	last := p.machine.Now()
	return func(ctx context.Context) (bool, error) {
		a, err := p.store.GetAudit(ctx, auditID)
		if err != nil {
			return false, err
		}
		if a.StopRequested {
			return true, nil
		}
		if now := p.machine.Now(); now.Sub(last) >= heartbeatEvery {
			if _, err := p.machine.Heartbeat(ctx, auditID); err != nil {
				return false, err
			}
			last = now
		}
		return false, nil
	}
}

// keepAlive returns a funnel heartbeat that refreshes the audit's heartbeat
// at most once per heartbeatEvery. A failed write is logged; the next call
// tries again.
func (p *Processor) keepAlive(auditID string) func(context.Context) {
	var mu sync.Mutex
	last := p.machine.Now()
	return func(ctx context.Context) {
		mu.Lock()
		defer mu.Unlock()
		now := p.machine.Now()
		if now.Sub(last) < heartbeatEvery {
			return
		}
		if _, err := p.machine.Heartbeat(ctx, auditID); err != nil {
			zap.L().Warn("worker: heartbeat failed",
				zap.String("audit_id", auditID),
				zap.Error(err),
			)
			return
		}
		last = now
	}
}
