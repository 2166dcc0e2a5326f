package worker

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// DurablePhase returns the first phase whose outputs are not all stored yet.
// Earlier phases never need to run again.
func (p *Processor) DurablePhase(ctx context.Context, auditID string) (model.Phase, error) {
	progress, err := p.funnel.Progress(ctx, auditID)
	if err != nil {
		return "", err
	}
	switch {
	case progress.SummaryDone, progress.PrioritiesDone:
		return model.PhaseFinalizing, nil
	case progress.BatchesDone, progress.CategoriesDone:
		return model.PhaseAggregating, nil
	}

	responses, err := p.store.ListResponses(ctx, auditID)
	if err != nil {
		return "", eris.Wrapf(err, "worker: list responses %s", auditID)
	}
	if len(responses) == 0 {
		return model.PhaseQueries, nil
	}
	if progress.Analyzed == len(responses) {
		return model.PhaseAggregating, nil
	}
	return model.PhaseAnalyzing, nil
}

// ResumeFromLastDurableStage re-enters an audit at the first phase with
// missing outputs and runs it to the end. A Pending audit is claimed and run
// from the start; a finished audit is returned as is.
func (p *Processor) ResumeFromLastDurableStage(ctx context.Context, auditID string) (*model.Audit, error) {
	a, err := p.machine.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if a.State.IsTerminal() {
		zap.L().Info("worker: resume skipped, audit already finished",
			zap.String("audit_id", auditID),
			zap.String("state", a.State.String()),
		)
		return a, nil
	}

	from := model.PhaseQueries
	if a.State.Is(model.StatePending) {
		if a, err = p.machine.Claim(ctx, auditID); err != nil {
			return nil, &ClaimError{AuditID: auditID, Err: err}
		}
	} else {
		if from, err = p.DurablePhase(ctx, auditID); err != nil {
			return nil, err
		}
		if a, err = p.machine.Resume(ctx, auditID, from); err != nil {
			return nil, &ClaimError{AuditID: auditID, Err: err}
		}
	}
	zap.L().Info("worker: resuming audit",
		zap.String("audit_id", auditID),
		zap.String("phase", string(from)),
		zap.Int("reprocess_count", a.ReprocessCount),
	)

	if err := p.run(ctx, a, from, nil); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, auditID)
}
