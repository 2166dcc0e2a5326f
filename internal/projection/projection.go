// Package projection hands completed audits to the dashboard that renders
// them.
package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// Projector publishes a completed audit.
type Projector interface {
	Project(ctx context.Context, a *model.Audit, summary *model.ExecutiveSummary) error
}

// Noop drops every projection.
type Noop struct{}

// Project implements Projector.
func (Noop) Project(context.Context, *model.Audit, *model.ExecutiveSummary) error { return nil }

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Audit   *model.Audit            `json:"audit"`
	Summary *model.ExecutiveSummary `json:"summary"`
	SentAt  time.Time               `json:"sent_at"`
}

// Webhook posts completed audits to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a Webhook posting to url with a 10s timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Project implements Projector. Any non-2xx status is an error.
func (w *Webhook) Project(ctx context.Context, a *model.Audit, summary *model.ExecutiveSummary) error {
	body, err := json.Marshal(Payload{Audit: a, Summary: summary, SentAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "projection: marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "projection: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "projection: webhook request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("projection: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Debug("projection: audit published", zap.String("audit_id", a.ID), zap.Int("status", resp.StatusCode))
	return nil
}

// New returns a Webhook when url is set and Noop otherwise.
func New(url string) Projector {
	if url == "" {
		return Noop{}
	}
	return NewWebhook(url)
}
