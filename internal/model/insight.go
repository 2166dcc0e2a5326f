package model

import "time"

// ExtractionType names one kind of funnel extraction.
type ExtractionType string

const (
	ExtractRecommendations      ExtractionType = "recommendations"
	ExtractCompetitiveGaps      ExtractionType = "competitive_gaps"
	ExtractContentOpportunities ExtractionType = "content_opportunities"
	ExtractResponseMetrics      ExtractionType = "per_response_metrics"
)

// ExtractionTypes lists the extraction types run by every funnel stage.
var ExtractionTypes = []ExtractionType{
	ExtractRecommendations,
	ExtractCompetitiveGaps,
	ExtractContentOpportunities,
	ExtractResponseMetrics,
}

// InsightItem is one ranked finding produced by a funnel stage.
type InsightItem struct {
	Title      string   `json:"title"`
	Detail     string   `json:"detail"`
	Score      float64  `json:"score"`
	Impact     string   `json:"impact,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// BatchInsight is a Stage A row keyed by (audit, category, batch, type).
type BatchInsight struct {
	AuditID     string         `json:"audit_id"`
	Category    string         `json:"category"`
	Batch       int            `json:"batch"`
	Type        ExtractionType `json:"extraction_type"`
	Items       []InsightItem  `json:"items"`
	ResponseIDs []string       `json:"response_ids"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CategoryInsight is a Stage B row: top-K items for one (category, type).
type CategoryInsight struct {
	ID        string         `json:"id"`
	AuditID   string         `json:"audit_id"`
	Category  string         `json:"category"`
	Type      ExtractionType `json:"extraction_type"`
	Items     []InsightItem  `json:"items"`
	CreatedAt time.Time      `json:"created_at"`
}

// StrategicPriority is a Stage C row: cross-category top-N for one type.
type StrategicPriority struct {
	ID        string         `json:"id"`
	AuditID   string         `json:"audit_id"`
	Type      ExtractionType `json:"extraction_type"`
	Items     []InsightItem  `json:"items"`
	Reasoning string         `json:"reasoning"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutiveSummary is the single Stage D row of an audit.
type ExecutiveSummary struct {
	ID          string    `json:"id"`
	AuditID     string    `json:"audit_id"`
	Persona     string    `json:"persona"`
	Headline    string    `json:"headline"`
	Summary     string    `json:"summary"`
	KeyFindings []string  `json:"key_findings"`
	Scores      Scores    `json:"scores"`
	CreatedAt   time.Time `json:"created_at"`
}
