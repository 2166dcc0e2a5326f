// Package store persists audits, responses and funnel outputs.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// AuditFilter specifies criteria for listing audits.
type AuditFilter struct {
	// Kind matches the state kind ("pending", "processing", "completed", "failed").
	Kind      string `json:"kind,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// AuditUpdate is the payload of one compare-and-set write on an audit. State
// and Heartbeat are always written; nil pointers leave their column as is.
type AuditUpdate struct {
	State       model.State
	Heartbeat   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Scores      *model.Scores
}

// Store defines the persistence interface for the audit engine.
type Store interface {
	// Companies (read-only context for audits)
	CreateCompany(ctx context.Context, c model.Company) error
	GetCompany(ctx context.Context, id string) (*model.Company, error)

	// Audits
	CreateAudit(ctx context.Context, a model.Audit) (*model.Audit, error)
	GetAudit(ctx context.Context, id string) (*model.Audit, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error)
	UpdateAuditState(ctx context.Context, id string, expectedVersion int64, u AuditUpdate) (*model.Audit, error)
	ListStaleAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error)
	// ListStalledAudits returns stale Processing audits with no analyzed
	// response, which ListStaleAudits never selects.
	ListStalledAudits(ctx context.Context, before time.Time, limit int) ([]model.Audit, error)
	RequestStop(ctx context.Context, id string) error
	IncrementReprocess(ctx context.Context, id string, expectedVersion int64, now time.Time) (*model.Audit, error)

	// Queries and responses
	CreateQueries(ctx context.Context, queries []model.Query) error
	CreateResponses(ctx context.Context, responses []model.Response) error
	ListResponses(ctx context.Context, auditID string) ([]model.Response, error)
	ListAnalyzedResponses(ctx context.Context, auditID string) ([]model.Response, error)
	SaveResponseMetrics(ctx context.Context, responseID string, m model.ResponseMetrics) (int64, error)
	CountAnalyzedResponses(ctx context.Context, auditID string) (int, error)

	// Funnel outputs. Save* return false when the row already existed.
	SaveBatchInsight(ctx context.Context, b model.BatchInsight) (bool, error)
	ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error)
	SaveCategoryInsight(ctx context.Context, c model.CategoryInsight) (bool, error)
	ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error)
	SaveStrategicPriority(ctx context.Context, p model.StrategicPriority) (bool, error)
	ListStrategicPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error)
	SaveExecutiveSummary(ctx context.Context, e model.ExecutiveSummary) (bool, error)
	// GetExecutiveSummary returns nil, nil when the audit has no summary.
	GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error)

	// Reprocess log (append-only)
	AppendReprocessLog(ctx context.Context, e model.ReprocessLogEntry) error
	ListReprocessLog(ctx context.Context, auditID string) ([]model.ReprocessLogEntry, error)

	// Validation defects recorded outside per-response analysis, summed per
	// source ("company", "stage_a", ...). n <= 0 is a no-op.
	AddAuditDefects(ctx context.Context, auditID, source string, n int) error
	CountAuditDefects(ctx context.Context, auditID string) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return &resilience.NotFoundError{Entity: entity, ID: id}
}

func conflict(entity, id string) error {
	return &resilience.ConflictError{Entity: entity, ID: id}
}

// scoreArgs flattens optional scores into nullable column values.
func scoreArgs(s *model.Scores) (overall, visibility, geo, sov, quality *float64, tier *string) {
	if s == nil {
		return nil, nil, nil, nil, nil, nil
	}
	t := string(s.DataQualityTier)
	return &s.Overall, &s.Visibility, &s.GEO, &s.SOV, &s.DataQualityScore, &t
}

func failureReason(st model.State) string {
	if st.Is(model.StateFailed) {
		return st.Reason()
	}
	return ""
}

func marshalJSON(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any, what string) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: unmarshal %s", what)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
