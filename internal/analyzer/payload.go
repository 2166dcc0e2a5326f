package analyzer

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

// signals is the typed view of an upstream response payload. It is the only
// thing the analyzer reads from the payload; every field is already
// validated.
//
// Expected shape:
//
//	{
//	  "brand_analysis": {"sentiment": "positive", "features": [...], "competitors": [...]},
//	  "geo": {"citation_quality": "high", "content_relevance": 72, "authority_signal": "medium"}
//	}
type signals struct {
	hasBrandBlock bool
	hasGEOBlock   bool

	sentiment        model.Sentiment
	features         []string
	competitors      []string
	citationQuality  float64
	contentRelevance float64
	authoritySignal  float64
}

func parsePayload(raw []byte, rec *validate.Recorder) signals {
	var s signals
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		rec.Record("payload", &validate.Defect{Kind: validate.DefectWrongType, Detail: "payload is not valid JSON"})
		return s
	}
	doc := gjson.ParseBytes(raw)

	ba := doc.Get("brand_analysis")
	if ba.IsObject() {
		s.hasBrandBlock = true
		s.sentiment = parseSentiment(ba.Get("sentiment"), rec)
		s.features = rec.Strings("brand_analysis.features", ba.Get("features"))
		s.competitors = rec.Strings("brand_analysis.competitors", ba.Get("competitors"))
	} else {
		rec.Missing("brand_analysis")
		s.features = []string{}
		s.competitors = []string{}
	}

	geo := doc.Get("geo")
	if geo.IsObject() {
		s.hasGEOBlock = true
		s.citationQuality = factor("geo.citation_quality", geo.Get("citation_quality"), rec)
		s.contentRelevance = factor("geo.content_relevance", geo.Get("content_relevance"), rec)
		s.authoritySignal = factor("geo.authority_signal", geo.Get("authority_signal"), rec)
	} else {
		rec.Missing("geo")
	}
	return s
}

// factor accepts either a 0-100 number or a quality label.
func factor(field string, v gjson.Result, rec *validate.Recorder) float64 {
	if v.Type == gjson.String {
		if _, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v.Str), "%"), 64); err != nil {
			return float64(rec.StructureQuality(field, v))
		}
	}
	return rec.Percent(field, v)
}

func parseSentiment(v gjson.Result, rec *validate.Recorder) model.Sentiment {
	if !v.Exists() || v.Type == gjson.Null {
		rec.Missing("brand_analysis.sentiment")
		return model.SentimentNone
	}
	switch s := model.Sentiment(strings.ToLower(strings.TrimSpace(v.String()))); s {
	case model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative, model.SentimentMixed, model.SentimentNone:
		return s
	}
	rec.Record("brand_analysis.sentiment", &validate.Defect{Kind: validate.DefectUnknownLabel, Detail: v.String()})
	return model.SentimentNeutral
}
