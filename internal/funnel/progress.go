package funnel

import (
	"context"

	"github.com/rotisserie/eris"
)

// Progress reports which funnel outputs are durably complete for an audit.
type Progress struct {
	Analyzed       int
	Categories     []string
	BatchesDone    bool
	CategoriesDone bool
	PrioritiesDone bool
	SummaryDone    bool
}

// Progress inspects the stored rows of auditID. A stage counts as done only
// when every row it must produce exists.
func (f *Funnel) Progress(ctx context.Context, auditID string) (Progress, error) {
	var p Progress
	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return p, eris.Wrap(err, "funnel: progress: list responses")
	}
	p.Analyzed = len(responses)
	batches, cats := f.batches(responses)
	p.Categories = cats

	summary, err := f.store.GetExecutiveSummary(ctx, auditID)
	if err != nil {
		return p, eris.Wrap(err, "funnel: progress: get summary")
	}
	p.SummaryDone = summary != nil

	batchRows, err := f.store.ListBatchInsights(ctx, auditID)
	if err != nil {
		return p, eris.Wrap(err, "funnel: progress: list batch insights")
	}
	have := make(map[string]bool, len(batchRows))
	for _, b := range batchRows {
		have[batchKey(b.Category, b.Batch, b.Type)] = true
	}
	p.BatchesDone = p.Analyzed > 0
	for _, cat := range cats {
		for bi := range batches[cat] {
			for _, typ := range f.types() {
				if !have[batchKey(cat, bi, typ)] {
					p.BatchesDone = false
				}
			}
		}
	}

	catRows, err := f.store.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return p, eris.Wrap(err, "funnel: progress: list category insights")
	}
	haveCat := make(map[string]bool, len(catRows))
	for _, c := range catRows {
		haveCat[categoryKey(c.Category, c.Type)] = true
	}
	p.CategoriesDone = p.BatchesDone
	for _, cat := range cats {
		for _, typ := range f.types() {
			if !haveCat[categoryKey(cat, typ)] {
				p.CategoriesDone = false
			}
		}
	}

	priorities, err := f.store.ListStrategicPriorities(ctx, auditID)
	if err != nil {
		return p, eris.Wrap(err, "funnel: progress: list priorities")
	}
	havePri := make(map[string]bool, len(priorities))
	for _, pr := range priorities {
		havePri[string(pr.Type)] = true
	}
	p.PrioritiesDone = p.CategoriesDone
	for _, typ := range f.types() {
		if !havePri[string(typ)] {
			p.PrioritiesDone = false
		}
	}
	return p, nil
}
