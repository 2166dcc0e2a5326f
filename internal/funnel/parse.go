package funnel

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/brand"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

// extractJSON returns the first JSON object in text. Models sometimes wrap
// their answer in a code fence or a sentence.
func extractJSON(text string) (gjson.Result, bool) {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) {
		return gjson.Parse(text), true
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return gjson.Result{}, false
	}
	return gjson.Parse(candidate), true
}

var impactLabels = map[string]string{
	"high": "high", "critical": "high",
	"medium": "medium", "moderate": "medium",
	"low": "low", "minor": "low",
}

// parseItems reads doc.items into validated InsightItems. Entries without a
// title are dropped with a defect.
func parseItems(doc gjson.Result, rec *validate.Recorder) []model.InsightItem {
	raw := doc.Get("items")
	if !raw.Exists() {
		rec.Missing("items")
		return []model.InsightItem{}
	}
	if !raw.IsArray() {
		rec.Record("items", &validate.Defect{Kind: validate.DefectWrongType, Detail: "items is not a list"})
		return []model.InsightItem{}
	}

	out := make([]model.InsightItem, 0, len(raw.Array()))
	for _, it := range raw.Array() {
		title := strings.TrimSpace(it.Get("title").String())
		if !it.IsObject() || title == "" {
			rec.Record("items.title", &validate.Defect{Kind: validate.DefectMissing, Detail: "item without title dropped"})
			continue
		}
		item := model.InsightItem{
			Title:      title,
			Detail:     strings.TrimSpace(it.Get("detail").String()),
			Score:      rec.Percent("items.score", it.Get("score")),
			Categories: rec.Strings("items.categories", it.Get("categories")),
		}
		if v := it.Get("impact"); v.Exists() {
			if label, ok := impactLabels[strings.ToLower(strings.TrimSpace(v.String()))]; ok {
				item.Impact = label
			} else {
				rec.Record("items.impact", &validate.Defect{Kind: validate.DefectUnknownLabel, Detail: v.Raw})
			}
		}
		out = append(out, item)
	}
	return out
}

// rank merges items with the same folded title, keeping the highest score
// and the union of categories, then returns the top limit by score. Ties
// break on title so reruns produce the same rows.
func rank(items []model.InsightItem, limit int) []model.InsightItem {
	byTitle := make(map[string]int)
	merged := make([]model.InsightItem, 0, len(items))
	for _, it := range items {
		key := brand.Fold(it.Title)
		i, ok := byTitle[key]
		if !ok {
			it.Categories = append([]string(nil), it.Categories...)
			byTitle[key] = len(merged)
			merged = append(merged, it)
			continue
		}
		cur := &merged[i]
		if it.Score > cur.Score {
			cur.Score = it.Score
			cur.Detail = it.Detail
			cur.Impact = it.Impact
		}
		cur.Categories = unionStrings(cur.Categories, it.Categories)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Title < merged[j].Title
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	for i := range merged {
		if merged[i].Categories == nil {
			merged[i].Categories = []string{}
		}
	}
	return merged
}

func unionStrings(a, b []string) []string {
	for _, s := range b {
		found := false
		for _, have := range a {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			a = append(a, s)
		}
	}
	return a
}

// summaryFields is the parsed Stage D answer.
type summaryFields struct {
	headline    string
	summary     string
	keyFindings []string
}

func parseSummary(doc gjson.Result, rec *validate.Recorder) summaryFields {
	s := summaryFields{
		headline:    strings.TrimSpace(doc.Get("headline").String()),
		summary:     strings.TrimSpace(doc.Get("summary").String()),
		keyFindings: rec.Strings("key_findings", doc.Get("key_findings")),
	}
	if s.headline == "" {
		rec.Missing("headline")
	}
	if s.summary == "" {
		rec.Missing("summary")
	}
	return s
}
