// Package storetest seeds SQLite-backed stores for engine-level tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// Epoch is the creation time of every seeded row.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewSQLite opens and migrates a throwaway database under t.TempDir().
func NewSQLite(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// Fixture describes one seeded audit.
type Fixture struct {
	Company    model.Company
	AuditID    string
	Categories []string
	Providers  []string
	Responses  int
	// Text returns the body of response i. Defaults to a brand-free answer.
	Text func(i int) string
	// Payload returns the upstream payload of response i. Defaults to
	// DefaultPayload.
	Payload func(i int) []byte
}

// BoatCompany is the canonical company with a distinct consumer brand.
func BoatCompany() model.Company {
	return model.Company{
		ID:          "co-boat",
		Name:        "Imagine Marketing Limited (boAt)",
		Industry:    "consumer electronics",
		Persona:     "CMO",
		Competitors: []string{"Noise", "JBL", "Sony"},
	}
}

// DefaultCategories are the buyer-journey categories used by most tests.
var DefaultCategories = []string{"awareness", "consideration", "decision"}

// DefaultProviders are the providers responses are spread across.
var DefaultProviders = []string{"openai", "anthropic", "perplexity", "gemini"}

// DefaultPayload is a well-formed upstream payload.
func DefaultPayload(int) []byte {
	return []byte(`{
		"brand_analysis": {"sentiment": "positive", "features": ["battery life"], "competitors": ["JBL"]},
		"geo": {"citation_quality": "high", "content_relevance": 80, "authority_signal": "medium"}
	}`)
}

// Seed creates the company, a Pending audit, and its queries and responses.
// Response i goes to category i mod len(Categories) and provider
// i mod len(Providers).
func Seed(t testing.TB, st store.Store, f Fixture) *model.Audit {
	t.Helper()
	ctx := context.Background()
	if f.Company.ID == "" {
		f.Company = BoatCompany()
	}
	if f.AuditID == "" {
		f.AuditID = "audit-1"
	}
	if len(f.Categories) == 0 {
		f.Categories = DefaultCategories
	}
	if len(f.Providers) == 0 {
		f.Providers = DefaultProviders
	}
	if f.Text == nil {
		f.Text = func(i int) string { return fmt.Sprintf("Answer %d lists several audio brands without a clear winner.", i) }
	}
	if f.Payload == nil {
		f.Payload = DefaultPayload
	}

	if _, err := st.GetCompany(ctx, f.Company.ID); err != nil {
		require.NoError(t, st.CreateCompany(ctx, f.Company))
	}
	a, err := st.CreateAudit(ctx, model.Audit{
		ID:         f.AuditID,
		CompanyID:  f.Company.ID,
		QueryCount: f.Responses,
		CreatedAt:  Epoch,
	})
	require.NoError(t, err)

	queries := make([]model.Query, 0, f.Responses)
	responses := make([]model.Response, 0, f.Responses)
	for i := 0; i < f.Responses; i++ {
		cat := f.Categories[i%len(f.Categories)]
		q := model.Query{
			ID:        fmt.Sprintf("%s-q%03d", f.AuditID, i),
			AuditID:   f.AuditID,
			Category:  cat,
			Text:      fmt.Sprintf("best %s option #%d", cat, i),
			CreatedAt: Epoch,
		}
		queries = append(queries, q)
		responses = append(responses, model.Response{
			ID:        fmt.Sprintf("%s-r%03d", f.AuditID, i),
			AuditID:   f.AuditID,
			QueryID:   q.ID,
			Category:  cat,
			Provider:  f.Providers[i%len(f.Providers)],
			Text:      f.Text(i),
			Payload:   f.Payload(i),
			CreatedAt: Epoch.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, st.CreateQueries(ctx, queries))
	require.NoError(t, st.CreateResponses(ctx, responses))
	return a
}
