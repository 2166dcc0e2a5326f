package model

import (
	"encoding/json"
	"time"
)

// Query is one generated prompt tied to a buyer-journey category.
type Query struct {
	ID        string    `json:"id"`
	AuditID   string    `json:"audit_id"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentiment is the validated brand sentiment of a response.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
	SentimentNone     Sentiment = "none"
)

// Score converts a sentiment label to a 0-100 figure.
func (s Sentiment) Score() float64 {
	switch s {
	case SentimentPositive:
		return 100
	case SentimentMixed, SentimentNeutral:
		return 50
	default:
		return 0
	}
}

// Response is one provider's answer to one Query.
type Response struct {
	ID        string           `json:"id"`
	AuditID   string           `json:"audit_id"`
	QueryID   string           `json:"query_id"`
	Category  string           `json:"category"`
	Provider  string           `json:"provider"`
	Text      string           `json:"text"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Metrics   *ResponseMetrics `json:"metrics,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Analyzed reports whether the per-response metrics were filled.
func (r Response) Analyzed() bool { return r.Metrics != nil }

// ResponseMetrics are the per-response fields filled exactly once by the
// analyzer. Numeric fields are range-valid and slices are never nil.
type ResponseMetrics struct {
	BrandMentioned     bool      `json:"brand_mentioned"`
	MentionCount       int       `json:"mention_count"`
	MentionPosition    float64   `json:"mention_position"`
	Sentiment          Sentiment `json:"sentiment"`
	GEOScore           float64   `json:"geo_score"`
	SOVScore           float64   `json:"sov_score"`
	CompetitorMentions []string  `json:"competitor_mentions"`
	FeatureMentions    []string  `json:"feature_mentions"`
	Defects            int       `json:"defects"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}
