package report

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store/storetest"
)

func ptr(v float64) *float64 { return &v }

func completedDoc() *Document {
	company := storetest.BoatCompany()
	return &Document{
		Audit: &model.Audit{
			ID:                "audit-1",
			CompanyID:         company.ID,
			State:             model.Completed(),
			OverallScore:      ptr(71.25),
			VisibilityRate:    ptr(90),
			GEOScore:          ptr(64.5),
			SOVScore:          ptr(55),
			DataQualityScore:  ptr(95),
			DataQualityStatus: model.TierHighConfidence,
		},
		Company: &company,
		Summary: &model.ExecutiveSummary{
			AuditID:     "audit-1",
			Persona:     "CMO",
			Headline:    "Strong budget visibility",
			Summary:     "boAt is named in most budget earbud answers.",
			KeyFindings: []string{"JBL is the most cited rival", "Battery life drives mentions"},
		},
		Priorities: []model.StrategicPriority{{
			AuditID: "audit-1",
			Type:    model.ExtractRecommendations,
			Items: []model.InsightItem{
				{Title: "Publish battery benchmarks", Detail: "Third-party tests get cited.", Impact: "high", Score: 0.9, Categories: []string{"consideration"}},
				{Title: "Answer comparison queries", Score: 0.7},
			},
			Reasoning: "Comparison content closes the gap with JBL.",
		}},
		Categories: []model.CategoryInsight{{
			AuditID:  "audit-1",
			Category: "awareness",
			Type:     model.ExtractCompetitiveGaps,
			Items:    []model.InsightItem{{Title: "Low recall for ANC", Score: 0.6}},
		}},
	}
}

func TestMarkdown_Completed(t *testing.T) {
	md := completedDoc().Markdown()

	assert.Contains(t, md, "# Imagine Marketing Limited (boAt): Strong budget visibility")
	assert.Contains(t, md, "**Data quality:** high_confidence (95)")
	assert.Contains(t, md, "| Overall | 71.25 |")
	assert.Contains(t, md, "_Prepared for the CMO._")
	assert.Contains(t, md, "- JBL is the most cited rival")
	assert.Contains(t, md, "### Recommendations")
	assert.Contains(t, md, "1. **Publish battery benchmarks** (high impact): Third-party tests get cited.")
	assert.Contains(t, md, "2. **Answer comparison queries**\n")
	assert.NotContains(t, md, "> ")
}

func TestMarkdown_FailedWithoutSummary(t *testing.T) {
	d := completedDoc()
	d.Audit.State = model.Failed("data quality invalid")
	d.Audit.ErrorMessage = "data quality invalid (score 20): brand_detection: brand found in 0 of 140 responses"
	d.Audit.OverallScore = nil
	d.Summary = nil
	d.Priorities = nil

	md := d.Markdown()
	assert.Contains(t, md, "# Imagine Marketing Limited (boAt)\n")
	assert.Contains(t, md, "> data quality invalid (score 20)")
	assert.Contains(t, md, "| Overall | n/a |")
	assert.NotContains(t, md, "## Summary")
	assert.NotContains(t, md, "## Strategic priorities")
}

func TestHTML(t *testing.T) {
	out, err := completedDoc().HTML()
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "<title>Imagine Marketing Limited (boAt) visibility audit</title>")
	assert.Contains(t, html, "<h1>Imagine Marketing Limited (boAt): Strong budget visibility</h1>")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<strong>Publish battery benchmarks</strong>")
}

func TestTypeTitle(t *testing.T) {
	assert.Equal(t, "Competitive Gaps", TypeTitle(model.ExtractCompetitiveGaps))
	assert.Equal(t, "Per Response Metrics", TypeTitle(model.ExtractResponseMetrics))
}

func TestSaveXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.xlsx")
	require.NoError(t, completedDoc().SaveXLSX(path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)

	scores := f.Sheet[SheetScores]
	require.NotNil(t, scores)
	assert.Equal(t, "Company", scores.Rows[1].Cells[0].String())
	assert.Equal(t, "Imagine Marketing Limited (boAt)", scores.Rows[1].Cells[1].String())
	assert.Equal(t, "completed", scores.Rows[3].Cells[1].String())

	pri := f.Sheet[SheetPriorities]
	require.NotNil(t, pri)
	require.Len(t, pri.Rows, 3)
	assert.Equal(t, "Recommendations", pri.Rows[1].Cells[0].String())
	assert.Equal(t, "Publish battery benchmarks", pri.Rows[1].Cells[2].String())
	assert.Equal(t, "consideration", pri.Rows[1].Cells[5].String())

	cats := f.Sheet[SheetCategories]
	require.NotNil(t, cats)
	require.Len(t, cats.Rows, 2)
	assert.Equal(t, "awareness", cats.Rows[1].Cells[0].String())
	assert.Equal(t, "Competitive Gaps", cats.Rows[1].Cells[1].String())
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, completedDoc().WriteXLSX(&buf))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	assert.NotNil(t, f.Sheet[SheetCategories])
}

func TestLoad(t *testing.T) {
	st := storetest.NewSQLite(t)
	storetest.Seed(t, st, storetest.Fixture{Responses: 3})

	d, err := Load(context.Background(), st, "audit-1")
	require.NoError(t, err)
	assert.Equal(t, "co-boat", d.Company.ID)
	assert.Nil(t, d.Summary)
	assert.Empty(t, d.Priorities)
	assert.Contains(t, d.Markdown(), "**State:** pending")
}

func TestLoad_NotFound(t *testing.T) {
	st := storetest.NewSQLite(t)
	_, err := Load(context.Background(), st, "missing")
	require.Error(t, err)
}
