package finalize

import (
	"math"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

const (
	sampleSize    = 5
	excerptLength = 160
)

// Aggregate holds the audit-level figures recomputed from analyzed
// responses.
type Aggregate struct {
	Analyzed           int
	Mentioned          int
	Overall            float64
	Visibility         float64
	GEO                float64
	SOV                float64
	Providers          int
	CompetitorMentions int
	Defects            int
	// Unmatched holds excerpts of up to five responses with no brand mention.
	Unmatched []string
}

// responseOverall is the combined score of one response: the mean of its
// position, GEO, SOV and sentiment figures when the brand is mentioned, zero
// otherwise.
func responseOverall(m *model.ResponseMetrics) float64 {
	if !m.BrandMentioned {
		return 0
	}
	return (m.MentionPosition + m.GEOScore + m.SOVScore + m.Sentiment.Score()) / 4
}

// Compute aggregates every analyzed response. Unanalyzed rows are ignored.
func Compute(responses []model.Response) Aggregate {
	var (
		agg       Aggregate
		overall   float64
		geo       float64
		sov       float64
		providers = make(map[string]struct{})
	)
	for _, r := range responses {
		m := r.Metrics
		if m == nil {
			continue
		}
		agg.Analyzed++
		providers[r.Provider] = struct{}{}
		agg.CompetitorMentions += len(m.CompetitorMentions)
		agg.Defects += m.Defects
		overall += responseOverall(m)
		geo += m.GEOScore
		sov += m.SOVScore
		if m.BrandMentioned {
			agg.Mentioned++
		} else if len(agg.Unmatched) < sampleSize {
			agg.Unmatched = append(agg.Unmatched, excerpt(r.Text))
		}
	}
	agg.Providers = len(providers)
	if agg.Analyzed == 0 {
		return agg
	}
	n := float64(agg.Analyzed)
	agg.Overall = round2(overall / n)
	agg.Visibility = round2(float64(agg.Mentioned) / n * 100)
	agg.GEO = round2(geo / n)
	agg.SOV = round2(sov / n)
	return agg
}

// Scores converts the aggregate and its gate report into persisted scores.
func (a Aggregate) Scores(r Report) model.Scores {
	return model.Scores{
		Overall:          a.Overall,
		Visibility:       a.Visibility,
		GEO:              a.GEO,
		SOV:              a.SOV,
		DataQualityScore: r.Score,
		DataQualityTier:  r.Tier,
	}
}

func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptLength {
		return s
	}
	return string(runes[:excerptLength]) + "..."
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
