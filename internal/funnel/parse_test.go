package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"plain", `{"items": []}`, true},
		{"fenced", "```json\n{\"items\": []}\n```", true},
		{"prose", `Here you go: {"items": [{"title": "x"}]} hope it helps`, true},
		{"none", "no json here", false},
		{"broken", `{"items": [}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := extractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestParseItems(t *testing.T) {
	doc, ok := extractJSON(`{"items": [
		{"title": "A", "score": 140, "impact": "Critical"},
		{"title": "", "score": 50},
		{"title": "B", "score": "n/a", "impact": "huge", "categories": "awareness"},
		"stray"
	]}`)
	require.True(t, ok)
	rec := validate.NewRecorder("a1")
	items := parseItems(doc, rec)

	require.Len(t, items, 2)
	assert.Equal(t, model.InsightItem{Title: "A", Score: 100, Impact: "high", Categories: []string{}}, items[0])
	assert.Equal(t, 0.0, items[1].Score)
	assert.Equal(t, "", items[1].Impact)
	assert.Equal(t, []string{"awareness"}, items[1].Categories)
	// score clamp, empty title, non-numeric score, unknown impact, stray element
	assert.Equal(t, 5, rec.Total())
}

func TestParseItems_MissingList(t *testing.T) {
	doc, _ := extractJSON(`{"reasoning": "none"}`)
	rec := validate.NewRecorder("a1")
	assert.Empty(t, parseItems(doc, rec))
	assert.Equal(t, 1, rec.Total())
}

func TestRank(t *testing.T) {
	items := []model.InsightItem{
		{Title: "Zeta", Score: 50},
		{Title: "alpha", Score: 70, Categories: []string{"awareness"}},
		{Title: "Alpha", Score: 90, Detail: "better", Categories: []string{"decision"}},
		{Title: "Beta", Score: 50},
	}
	got := rank(items, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Title)
	assert.Equal(t, 90.0, got[0].Score)
	assert.Equal(t, "better", got[0].Detail)
	assert.Equal(t, []string{"awareness", "decision"}, got[0].Categories)
	assert.Equal(t, "Beta", got[1].Title, "ties break on title")

	assert.Len(t, rank(items, 0), 3)
}

func TestCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	assert.Len(t, c.Types, len(model.ExtractionTypes))
	assert.Equal(t, "Competitive gaps", c.Spec(model.ExtractCompetitiveGaps).Label)

	_, err = ParseCatalog([]byte("types:\n  - id: recommendations\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte(`types: [{id: recommendations}, {id: recommendations}]`))
	assert.ErrorContains(t, err, "duplicate")
}

func TestRender(t *testing.T) {
	got := render("{{a}} and {{b}} but {{c}}", map[string]string{"a": "x", "b": "y"})
	assert.Equal(t, "x and y but {{c}}", got)
}

func TestConfigNormalized(t *testing.T) {
	assert.Equal(t, DefaultConfig(), Config{}.normalized())
	c := Config{BatchSize: 50, Concurrency: 99, TopK: -1, TopN: 1}.normalized()
	assert.Equal(t, Config{BatchSize: 16, Concurrency: 10, TopK: 1, TopN: 3}, c)
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := "héllo"
	got := truncate(s, 2)
	assert.Equal(t, "h...", got)
}
