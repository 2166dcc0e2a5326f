package model

import "time"

// QualityTier is the data_quality_status persisted on a finalized audit.
type QualityTier string

const (
	TierHighConfidence QualityTier = "high_confidence"
	TierLowConfidence  QualityTier = "low_confidence"
	TierNeedsReview    QualityTier = "needs_review"
	TierInvalid        QualityTier = "invalid"
)

// TierForScore maps a 0-100 data quality score onto its tier.
func TierForScore(score float64) QualityTier {
	switch {
	case score >= 75:
		return TierHighConfidence
	case score >= 50:
		return TierLowConfidence
	case score >= 30:
		return TierNeedsReview
	default:
		return TierInvalid
	}
}

// Audit is one brand-visibility assessment run.
type Audit struct {
	ID                string      `json:"id"`
	CompanyID         string      `json:"company_id"`
	State             State       `json:"state"`
	QueryCount        int         `json:"query_count"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	OverallScore      *float64    `json:"overall_score,omitempty"`
	VisibilityRate    *float64    `json:"visibility_rate,omitempty"`
	GEOScore          *float64    `json:"geo_score,omitempty"`
	SOVScore          *float64    `json:"sov_score,omitempty"`
	DataQualityScore  *float64    `json:"data_quality_score,omitempty"`
	DataQualityStatus QualityTier `json:"data_quality_status,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	ReprocessCount    int         `json:"reprocess_count"`
	LastReprocessAt   *time.Time  `json:"last_reprocess_at,omitempty"`
	StopRequested     bool        `json:"stop_requested"`
	Version           int64       `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Scores are the aggregate figures written when an audit is finalized.
type Scores struct {
	Overall          float64     `json:"overall"`
	Visibility       float64     `json:"visibility"`
	GEO              float64     `json:"geo"`
	SOV              float64     `json:"sov"`
	DataQualityScore float64     `json:"data_quality_score"`
	DataQualityTier  QualityTier `json:"data_quality_status"`
}

// Company is the read-only brand context an audit is run for.
type Company struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Industry    string   `json:"industry,omitempty"`
	Persona     string   `json:"persona,omitempty"`
	Competitors []string `json:"competitors"`
}

// Trigger names who started a reprocess attempt.
type Trigger string

const (
	TriggerMonitor Trigger = "monitor"
	TriggerManual  Trigger = "manual"
)

// ReprocessLogEntry is an append-only audit-trail row.
type ReprocessLogEntry struct {
	ID          string    `json:"id"`
	AuditID     string    `json:"audit_id"`
	Attempt     int       `json:"attempt"`
	Reason      string    `json:"reason"`
	TriggeredBy Trigger   `json:"triggered_by"`
	StateBefore string    `json:"state_before"`
	StateAfter  string    `json:"state_after"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditJob is the inbound queue message that asks a worker to run or resume
// an audit.
type AuditJob struct {
	AuditID         string   `json:"audit_id"`
	CompanyID       string   `json:"company_id"`
	QueryCount      int      `json:"query_count"`
	Providers       []string `json:"providers"`
	ResumeFromPhase Phase    `json:"resume_from_phase,omitempty"`
	Source          string   `json:"source"`
}

// IsResume reports whether the job re-enters an audit already in flight.
func (j AuditJob) IsResume() bool { return j.ResumeFromPhase != "" }

// ProgressEvent is emitted on every state transition.
type ProgressEvent struct {
	AuditID         string    `json:"audit_id"`
	NewState        string    `json:"new_state"`
	PercentComplete int       `json:"percent_complete"`
	Timestamp       time.Time `json:"timestamp"`
}
