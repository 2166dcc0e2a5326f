package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// MessageCreator is the slice of the Anthropic SDK the gateway calls.
// *sdk.MessageService satisfies it.
type MessageCreator interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicConfig configures the Anthropic gateway.
type AnthropicConfig struct {
	APIKey            string
	Model             string
	MaxTokens         int64
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             resilience.Policy
	Breaker           resilience.BreakerConfig
}

// Anthropic is the Gateway backed by the Anthropic Messages API.
type Anthropic struct {
	messages  MessageCreator
	model     string
	maxTokens int64
	timeout   time.Duration
	limiter   *rate.Limiter
	breakers  *resilience.ProviderBreakers
	retry     resilience.Policy
}

// NewAnthropic builds a gateway with the official SDK client. SDK-level
// retries are disabled; retry and breaking happen here.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	client := sdk.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	)
	return NewAnthropicWith(&client.Messages, cfg)
}

// NewAnthropicWith builds a gateway around an existing MessageCreator.
func NewAnthropicWith(messages MessageCreator, cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.LogRetries("gateway", "anthropic.complete")
	}
	return &Anthropic{
		messages:  messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(limit, burst),
		breakers:  resilience.NewProviderBreakers(cfg.Breaker),
		retry:     cfg.Retry,
	}
}

// Breakers exposes the per-model breakers for health reporting.
func (a *Anthropic) Breakers() *resilience.ProviderBreakers { return a.breakers }

// Complete sends one message. Timeouts, 429 and 5xx responses come back as
// *resilience.TransientError once the retry budget is spent.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := a.params(req)
	breaker := a.breakers.For(a.model)

	return resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*Completion, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "gateway: rate limiter")
		}
		c, err := resilience.Call(ctx, breaker, func(ctx context.Context) (*Completion, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			msg, err := a.messages.New(callCtx, params)
			if err != nil {
				return nil, classify(err, req.Stage)
			}
			c := fromMessage(msg)
			recordUsage(ctx, req, c.Model, c.Usage)
			return c, nil
		})
		if errors.Is(err, resilience.ErrBreakerOpen) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "gateway: %s: %s", req.Stage, a.model), 0)
		}
		return c, err
	})
}

func (a *Anthropic) params(req Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	p := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		p.System = []sdk.TextBlockParam{block}
	}
	return p
}

// classify maps SDK and transport failures onto the error taxonomy.
func classify(err error, stage string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(eris.Wrapf(err, "gateway: %s", stage), apiErr.StatusCode)
		}
		return eris.Wrapf(err, "gateway: %s: status %d", stage, apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrapf(err, "gateway: %s", stage), 0)
	}
	return eris.Wrapf(err, "gateway: %s", stage)
}

func fromMessage(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		},
	}
}
