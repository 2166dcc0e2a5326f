package worker

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// QueryGenerator makes sure an audit's queries exist and returns how many
// there are.
type QueryGenerator interface {
	GenerateQueries(ctx context.Context, a *model.Audit, company model.Company) (int, error)
}

// ResponseCollector makes sure an audit's provider responses exist and
// returns how many there are.
type ResponseCollector interface {
	CollectResponses(ctx context.Context, a *model.Audit, providers []string) (int, error)
}

// ExternalQueries is used when queries are written by the caller before the
// job is enqueued.
type ExternalQueries struct{}

// GenerateQueries implements QueryGenerator.
func (ExternalQueries) GenerateQueries(_ context.Context, a *model.Audit, _ model.Company) (int, error) {
	return a.QueryCount, nil
}

// StoredResponses is used when responses are written by an upstream
// collector. It fails with a StageDependencyError while none exist.
type StoredResponses struct {
	Store store.Store
}

// CollectResponses implements ResponseCollector.
func (s StoredResponses) CollectResponses(ctx context.Context, a *model.Audit, providers []string) (int, error) {
	responses, err := s.Store.ListResponses(ctx, a.ID)
	if err != nil {
		return 0, eris.Wrapf(err, "worker: list responses %s", a.ID)
	}
	n := 0
	for _, r := range responses {
		if len(providers) == 0 || contains(providers, r.Provider) {
			n++
		}
	}
	if n == 0 {
		return 0, &resilience.StageDependencyError{Stage: string(model.PhaseCollecting), Missing: "provider responses"}
	}
	return n, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
