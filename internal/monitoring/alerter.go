package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate       AlertType = "audit_failure_rate"
	AlertReprocessExceeded AlertType = "reprocess_exhausted"
	AlertAutoHealed        AlertType = "audit_auto_healed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns snapshots and recovery passes into alerts and delivers them
// to a webhook.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
	retry  resilience.Policy
}

// NewAlerter creates a new Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			OnRetry:     resilience.LogRetries("monitoring", "send alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	finished := snap.Completed + snap.Failed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Audit failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100, snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate":   snap.FailRate,
				"threshold":   a.cfg.FailureRateThreshold,
				"failed":      snap.Failed,
				"finished":    finished,
				"reprocessed": snap.Reprocessed,
			},
			Timestamp: snap.CollectedAt,
		})
	}
	return alerts
}

// EvaluateTick raises one alert per audit the monitor failed or healed.
func (a *Alerter) EvaluateTick(res TickResult) []Alert {
	now := time.Now().UTC()
	alerts := make([]Alert, 0, len(res.Exhausted)+len(res.Healed))
	for _, id := range res.Exhausted {
		alerts = append(alerts, Alert{
			Type:      AlertReprocessExceeded,
			Severity:  "high",
			Message:   fmt.Sprintf("Audit %s failed after %d reprocess attempts", id, a.cfg.MaxReprocess),
			Details:   map[string]any{"audit_id": id},
			Timestamp: now,
		})
	}
	for _, id := range res.Healed {
		alerts = append(alerts, Alert{
			Type:      AlertAutoHealed,
			Severity:  "low",
			Message:   fmt.Sprintf("Audit %s had a summary but was stuck processing; marked completed", id),
			Details:   map[string]any{"audit_id": id},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the configured webhook and returns how many
// were delivered. 5xx and 429 answers are retried under the alerter's policy.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: alert not delivered",
				zap.String("type", string(alert.Type)),
				zap.String("kind", resilience.Classify(err).String()),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: post alert"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode < 300:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: alert webhook status %d", resp.StatusCode), resp.StatusCode)
	default:
		return eris.Errorf("monitoring: alert webhook status %d", resp.StatusCode)
	}
}
