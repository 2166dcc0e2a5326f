// Package finalize recomputes an audit's scores from stored responses, runs
// the data quality gate, and either completes or fails the audit.
package finalize

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/projection"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// Summarizer produces the executive summary of a scored audit.
type Summarizer interface {
	StageD(ctx context.Context, auditID string, company model.Company, scores model.Scores) (*model.ExecutiveSummary, error)
}

// Finalizer closes out audits.
type Finalizer struct {
	store      store.Store
	machine    *audit.Machine
	summarizer Summarizer
	projector  projection.Projector
	thresholds Thresholds
}

// New returns a Finalizer. A nil projector disables the dashboard hand-off.
func New(st store.Store, m *audit.Machine, s Summarizer, p projection.Projector, th Thresholds) *Finalizer {
	if p == nil {
		p = projection.Noop{}
	}
	return &Finalizer{store: st, machine: m, summarizer: s, projector: p, thresholds: th}
}

// Finalize moves the audit to the finalizing phase, recomputes its scores
// and runs the quality gate. An invalid result fails the audit and returns a
// *resilience.DataQualityError without writing a summary. Otherwise the
// summary is written, the audit completes and the projection is published.
//
// Finalizing a completed audit returns it unchanged.
func (f *Finalizer) Finalize(ctx context.Context, auditID string) (*model.Audit, error) {
	log := zap.L().With(zap.String("audit_id", auditID), zap.String("phase", string(model.PhaseFinalizing)))

	a, err := f.machine.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}
	switch a.State.Kind() {
	case model.StateCompleted:
		log.Debug("finalize: already completed")
		return a, nil
	case model.StateFailed:
		return a, eris.Errorf("finalize: audit %s already failed: %s", auditID, a.State.Reason())
	}
	if a, err = f.machine.Advance(ctx, auditID, model.PhaseFinalizing); err != nil {
		return nil, err
	}

	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return nil, eris.Wrap(err, "finalize: list analyzed responses")
	}
	agg, err := f.compute(ctx, auditID, responses)
	if err != nil {
		return nil, err
	}
	report := Evaluate(agg, f.thresholds)
	scores := agg.Scores(report)

	for _, c := range report.Checks {
		log.Warn("finalize: quality check triggered",
			zap.String("check", c.Name),
			zap.Float64("deduction", c.Deduction),
			zap.String("detail", c.Message),
		)
	}

	if report.Invalid() {
		log.Error("finalize: data quality breaker tripped",
			zap.Float64("score", report.Score),
			zap.Strings("checks", report.Names()),
			zap.Int("analyzed", agg.Analyzed),
			zap.Int("mentioned", agg.Mentioned),
			zap.Strings("unmatched_sample", agg.Unmatched),
		)
		failed, err := f.machine.Fail(ctx, auditID, report.Reason(), audit.WithScores(scores))
		if err != nil {
			return nil, err
		}
		return failed, &resilience.DataQualityError{Score: report.Score, Checks: report.Names()}
	}

	company, err := f.store.GetCompany(ctx, a.CompanyID)
	if err != nil {
		return nil, eris.Wrapf(err, "finalize: get company %s", a.CompanyID)
	}
	summary, err := f.summarizer.StageD(ctx, auditID, *company, scores)
	if err != nil {
		return nil, err
	}

	done, err := f.machine.Complete(ctx, auditID, scores)
	if err != nil {
		return nil, err
	}
	log.Info("finalize: audit completed",
		zap.Float64("overall", scores.Overall),
		zap.Float64("visibility", scores.Visibility),
		zap.Float64("data_quality_score", scores.DataQualityScore),
		zap.String("data_quality_status", string(scores.DataQualityTier)),
	)

	if err := f.projector.Project(ctx, done, summary); err != nil {
		log.Warn("finalize: projection failed", zap.Error(err))
	}
	return done, nil
}

// Preview recomputes the scores and gate report without touching the audit.
func (f *Finalizer) Preview(ctx context.Context, auditID string) (Aggregate, Report, error) {
	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return Aggregate{}, Report{}, eris.Wrap(err, "finalize: list analyzed responses")
	}
	agg, err := f.compute(ctx, auditID, responses)
	if err != nil {
		return Aggregate{}, Report{}, err
	}
	return agg, Evaluate(agg, f.thresholds), nil
}

// compute is Compute plus the defects recorded outside per-response
// analysis (company context and funnel replies).
func (f *Finalizer) compute(ctx context.Context, auditID string, responses []model.Response) (Aggregate, error) {
	agg := Compute(responses)
	extra, err := f.store.CountAuditDefects(ctx, auditID)
	if err != nil {
		return Aggregate{}, eris.Wrap(err, "finalize: count audit defects")
	}
	agg.Defects += extra
	return agg, nil
}
