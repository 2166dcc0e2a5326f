// Package gateway is the outbound model-provider boundary. Everything it
// returns is untrusted text; callers parse it with gjson and validate it.
package gateway

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Gateway issues one completion request against a model provider.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is a single prompt plus its structured context.
type Request struct {
	// Stage labels the call for cost attribution ("stage_a", "summary", ...).
	Stage     string
	AuditID   string
	System    string
	Prompt    string
	MaxTokens int64
	// CacheSystem marks the system block for prompt caching. Stage A sends
	// the same system prompt for every batch.
	CacheSystem bool
}

// Completion is the provider's answer.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Total is the sum of every token counter.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// model -> {input $/MTok, output $/MTok}
var modelPricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-6":            {15.00, 75.00},
}

// EstimateCost returns the estimated USD cost, or 0 for unknown models.
func (u Usage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1e6 * pricing[0]
	out := float64(u.OutputTokens) / 1e6 * pricing[1]
	write := float64(u.CacheWriteTokens) / 1e6 * pricing[0] * 1.25
	read := float64(u.CacheReadTokens) / 1e6 * pricing[0] * 0.1
	return in + out + write + read
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initMetrics() {
	meter := otel.Meter("gateway")
	var err error
	costCounter, err = meter.Float64Counter("provider_cost_usd_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("provider_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// recordUsage logs cost attribution and feeds the otel counters.
func recordUsage(ctx context.Context, req Request, model string, u Usage) {
	cost := u.EstimateCost(model)
	zap.L().Info("cost attribution",
		zap.String("audit_id", req.AuditID),
		zap.String("stage", req.Stage),
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheWriteTokens),
		zap.Int64("cache_read_tokens", u.CacheReadTokens),
		zap.Float64("estimated_cost_usd", cost),
	)

	metricsOnce.Do(initMetrics)
	if metricsInitErr != nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("model", model),
		attribute.String("stage", req.Stage),
	)
	if cost > 0 {
		costCounter.Add(ctx, cost, attrs)
	}
	if n := u.Total(); n > 0 {
		tokenCounter.Add(ctx, n, attrs)
	}
}
