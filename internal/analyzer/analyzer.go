// Package analyzer turns one raw provider response into validated
// per-response metrics and persists them exactly once.
package analyzer

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/brand"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

// Context is the brand information every response of an audit is scored
// against.
type Context struct {
	Brand       *brand.Matcher
	Competitors []string
}

// NewContext builds the matching context for a company. A name that yields
// no variations is recorded as a defect; every response will then score as
// not mentioned.
func NewContext(c model.Company, rec *validate.Recorder) Context {
	m := brand.NewMatcher(c.Name)
	if len(m.Variations) == 0 {
		rec.Record("company.name", &validate.Defect{Kind: validate.DefectMissing, Detail: "no brand variations for company " + c.ID})
	}
	return Context{Brand: m, Competitors: c.Competitors}
}

// PositionScore is 100 for a mention at the very start of the text and falls
// linearly to 0 at the end. No mention scores 0.
func PositionScore(m brand.Mention) float64 {
	if !m.Mentioned || m.FirstOffset < 0 || m.TextLen <= 0 {
		return 0
	}
	score := 100 - float64(m.FirstOffset)/float64(m.TextLen)*100
	return clamp(score)
}

// ShareOfVoice is the brand's share of brand-like mentions. Brand mentions
// are capped at the total before dividing.
func ShareOfVoice(brandMentions, totalMentions int) float64 {
	brandMentions = max(0, brandMentions)
	totalMentions = max(0, totalMentions)
	return clamp(float64(min(brandMentions, totalMentions)) / float64(max(1, totalMentions)) * 100)
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(100, f))
}

// Analyze computes the metrics for one response. It never fails: malformed
// input degrades the response and is recorded on rec.
func Analyze(resp model.Response, bc Context, rec *validate.Recorder, now time.Time) model.ResponseMetrics {
	if resp.Text == "" {
		rec.Record("text", &validate.Defect{Kind: validate.DefectMissing, Detail: "empty response text"})
	}
	sig := parsePayload(resp.Payload, rec)

	var mention brand.Mention
	if bc.Brand != nil {
		mention = bc.Brand.Detect(resp.Text)
	} else {
		mention = brand.Mention{FirstOffset: -1}
	}

	competitors := mergeNames(brand.MentionedNames(resp.Text, bc.Competitors), sig.competitors)
	competitorMentions := 0
	for _, name := range competitors {
		competitorMentions += max(1, brand.DetectMention(resp.Text, []string{name}).Count)
	}

	position := PositionScore(mention)
	m := model.ResponseMetrics{
		BrandMentioned:     mention.Mentioned,
		MentionCount:       mention.Count,
		MentionPosition:    position,
		Sentiment:          sig.sentiment,
		SOVScore:           ShareOfVoice(mention.Count, mention.Count+competitorMentions),
		CompetitorMentions: competitors,
		FeatureMentions:    sig.features,
		AnalyzedAt:         now,
	}
	if m.FeatureMentions == nil {
		m.FeatureMentions = []string{}
	}

	// position is already 0 without a mention.
	m.GEOScore = clamp((sig.citationQuality + sig.contentRelevance + sig.authoritySignal + position) / 4)
	if !mention.Mentioned {
		m.Sentiment = model.SentimentNone
	} else if m.Sentiment == "" {
		m.Sentiment = model.SentimentNeutral
	}
	return m
}

// mergeNames unions detected and reported names, keeping first occurrence
// order and dropping case-insensitive duplicates.
func mergeNames(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, l := range lists {
		for _, n := range l {
			k := brand.Fold(n)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, n)
		}
	}
	return out
}

// Analyzer analyzes and persists the responses of an audit.
type Analyzer struct {
	store   store.Store
	nowFunc func() time.Time
}

// New returns an Analyzer.
func New(st store.Store) *Analyzer {
	return &Analyzer{store: st, nowFunc: func() time.Time { return time.Now().UTC() }}
}

// AnalyzeAndSave scores resp and writes the metrics. The write must touch
// exactly one row.
func (a *Analyzer) AnalyzeAndSave(ctx context.Context, resp model.Response, bc Context) (model.ResponseMetrics, error) {
	rec := validate.NewRecorder(resp.AuditID)
	m := Analyze(resp, bc, rec, a.nowFunc())
	m.Defects = rec.Total()

	n, err := a.store.SaveResponseMetrics(ctx, resp.ID, m)
	if err != nil {
		return m, eris.Wrapf(err, "analyzer: save response %s", resp.ID)
	}
	switch {
	case n == 0:
		return m, eris.Wrapf(&resilience.NotFoundError{Entity: "unanalyzed response", ID: resp.ID},
			"analyzer: response vanished or was analyzed concurrently")
	case n > 1:
		return m, eris.Errorf("analyzer: save response %s touched %d rows", resp.ID, n)
	}
	return m, nil
}

// StopFunc reports whether the audit should stop before the next response.
type StopFunc func(ctx context.Context) (bool, error)

// Summary counts the work done by AnalyzeAudit.
type Summary struct {
	Analyzed  int
	Skipped   int
	Mentioned int
	Defects   int
}

// AnalyzeAudit analyzes every response of auditID that has no metrics yet.
// stop is checked before each response; when it reports true the loop ends
// with a StopRequestedError and the already-saved rows stay.
func (a *Analyzer) AnalyzeAudit(ctx context.Context, auditID string, bc Context, stop StopFunc) (Summary, error) {
	log := zap.L().With(zap.String("audit_id", auditID), zap.String("phase", string(model.PhaseAnalyzing)))

	responses, err := a.store.ListResponses(ctx, auditID)
	if err != nil {
		return Summary{}, eris.Wrap(err, "analyzer: list responses")
	}

	var sum Summary
	for _, r := range responses {
		if r.Analyzed() {
			sum.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if stop != nil {
			stopped, err := stop(ctx)
			if err != nil {
				return sum, eris.Wrap(err, "analyzer: check stop flag")
			}
			if stopped {
				return sum, &resilience.StopRequestedError{AuditID: auditID}
			}
		}

		m, err := a.AnalyzeAndSave(ctx, r, bc)
		if err != nil {
			return sum, err
		}
		sum.Analyzed++
		sum.Defects += m.Defects
		if m.BrandMentioned {
			sum.Mentioned++
		}
	}

	log.Info("responses analyzed",
		zap.Int("analyzed", sum.Analyzed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("mentioned", sum.Mentioned),
		zap.Int("defects", sum.Defects),
	)
	return sum, nil
}
