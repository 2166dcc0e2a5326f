package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// MetricsSnapshot holds a point-in-time view of audit health.
type MetricsSnapshot struct {
	// Audits created within the lookback window.
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	FailRate        float64 `json:"fail_rate"`
	AvgQualityScore float64 `json:"avg_quality_score"`
	LowConfidence   int     `json:"low_confidence"`
	Reprocessed     int     `json:"reprocessed"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers audit metrics from the store.
type Collector struct {
	store   store.Store
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, nowFunc: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	audits, err := c.store.ListAudits(ctx, store.AuditFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list audits")
	}

	var qualitySum float64
	var scored int
	for _, a := range audits {
		if a.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Total++
		switch a.State.Kind() {
		case model.StatePending:
			snap.Pending++
		case model.StateProcessing:
			snap.Processing++
		case model.StateCompleted:
			snap.Completed++
			if a.DataQualityStatus != model.TierHighConfidence {
				snap.LowConfidence++
			}
		case model.StateFailed:
			snap.Failed++
		}
		if a.DataQualityScore != nil {
			qualitySum += *a.DataQualityScore
			scored++
		}
		if a.ReprocessCount > 0 {
			snap.Reprocessed++
		}
	}

	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if scored > 0 {
		snap.AvgQualityScore = qualitySum / float64(scored)
	}
	return snap, nil
}
