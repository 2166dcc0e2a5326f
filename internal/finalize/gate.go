package finalize

import (
	"fmt"
	"strings"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// Check names reported by Evaluate.
const (
	CheckNoResponses          = "no_responses"
	CheckZeroOverall          = "zero_overall"
	CheckBrandDetection       = "brand_detection"
	CheckLowVisibility        = "low_visibility"
	CheckInconsistent         = "inconsistent_components"
	CheckSmallSample          = "small_sample"
	CheckProviderDiversity    = "provider_diversity"
	CheckNoCompetitorMentions = "no_competitor_mentions"
	CheckDefectRate           = "defect_rate"
)

// Thresholds configures the data quality gate. Deductions are points taken
// off a starting score of 100.
type Thresholds struct {
	MinVisibility        float64 `mapstructure:"min_visibility"`
	WarnVisibility       float64 `mapstructure:"warn_visibility"`
	VisibilitySample     int     `mapstructure:"visibility_sample"`
	MinSample            int     `mapstructure:"min_sample"`
	MinProviders         int     `mapstructure:"min_providers"`
	CompetitorSample     int     `mapstructure:"competitor_sample"`
	MaxDefectRate        float64 `mapstructure:"max_defect_rate"`
	ZeroOverallPenalty   float64 `mapstructure:"zero_overall_penalty"`
	DetectionPenalty     float64 `mapstructure:"detection_penalty"`
	LowVisibilityPenalty float64 `mapstructure:"low_visibility_penalty"`
	InconsistentPenalty  float64 `mapstructure:"inconsistent_penalty"`
	SmallSamplePenalty   float64 `mapstructure:"small_sample_penalty"`
	DiversityPenalty     float64 `mapstructure:"diversity_penalty"`
	CompetitorPenalty    float64 `mapstructure:"competitor_penalty"`
	DefectRatePenalty    float64 `mapstructure:"defect_rate_penalty"`
}

// DefaultThresholds returns the production gate settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinVisibility:        5,
		WarnVisibility:       15,
		VisibilitySample:     10,
		MinSample:            10,
		MinProviders:         3,
		CompetitorSample:     50,
		MaxDefectRate:        0.5,
		ZeroOverallPenalty:   60,
		DetectionPenalty:     50,
		LowVisibilityPenalty: 15,
		InconsistentPenalty:  25,
		SmallSamplePenalty:   10,
		DiversityPenalty:     5,
		CompetitorPenalty:    10,
		DefectRatePenalty:    10,
	}
}

// Check is one triggered gate check.
type Check struct {
	Name      string  `json:"name"`
	Deduction float64 `json:"deduction"`
	Message   string  `json:"message"`
}

// Report is the outcome of Evaluate.
type Report struct {
	Score  float64           `json:"score"`
	Tier   model.QualityTier `json:"tier"`
	Checks []Check           `json:"checks"`
}

// Invalid reports whether the breaker tripped.
func (r Report) Invalid() bool { return r.Tier == model.TierInvalid }

// Names returns the names of the triggered checks.
func (r Report) Names() []string {
	names := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		names[i] = c.Name
	}
	return names
}

// Reason is the human-readable failure message naming every triggered check.
func (r Report) Reason() string {
	parts := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		parts[i] = c.Name + ": " + c.Message
	}
	return fmt.Sprintf("data quality %s (score %.0f): %s", r.Tier, r.Score, strings.Join(parts, "; "))
}

// Evaluate runs every gate check against agg and tiers the resulting score.
func Evaluate(agg Aggregate, th Thresholds) Report {
	var checks []Check
	add := func(name string, deduction float64, format string, args ...any) {
		checks = append(checks, Check{Name: name, Deduction: deduction, Message: fmt.Sprintf(format, args...)})
	}

	n := agg.Analyzed
	if n == 0 {
		add(CheckNoResponses, 100, "no analyzed responses")
	}
	if n > 0 && agg.Overall == 0 {
		add(CheckZeroOverall, th.ZeroOverallPenalty, "overall score is 0 across %d analyzed responses", n)
	}
	switch {
	case n > th.VisibilitySample && agg.Visibility < th.MinVisibility:
		add(CheckBrandDetection, th.DetectionPenalty,
			"brand found in %d of %d responses (%.1f%% visibility), likely a detection failure", agg.Mentioned, n, agg.Visibility)
	case n > 0 && agg.Visibility < th.WarnVisibility:
		add(CheckLowVisibility, th.LowVisibilityPenalty, "visibility %.1f%% is below %.0f%%", agg.Visibility, th.WarnVisibility)
	}
	if agg.Overall > 0 && agg.GEO == 0 && agg.SOV == 0 {
		add(CheckInconsistent, th.InconsistentPenalty, "overall %.1f with every component at 0", agg.Overall)
	}
	if n > 0 && n < th.MinSample {
		add(CheckSmallSample, th.SmallSamplePenalty, "only %d analyzed responses", n)
	}
	if n > 0 && agg.Providers < th.MinProviders {
		add(CheckProviderDiversity, th.DiversityPenalty, "responses from %d providers, want at least %d", agg.Providers, th.MinProviders)
	}
	if n >= th.CompetitorSample && agg.CompetitorMentions == 0 {
		add(CheckNoCompetitorMentions, th.CompetitorPenalty, "no competitor mentions across %d responses", n)
	}
	if n > 0 && float64(agg.Defects)/float64(n) > th.MaxDefectRate {
		add(CheckDefectRate, th.DefectRatePenalty, "%d validation defects across %d responses", agg.Defects, n)
	}

	score := 100.0
	for _, c := range checks {
		score -= c.Deduction
	}
	if score < 0 {
		score = 0
	}
	return Report{Score: score, Tier: model.TierForScore(score), Checks: checks}
}
