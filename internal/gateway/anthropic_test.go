package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) New(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	args := m.Called(ctx, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sdk.Message), args.Error(1)
}

// apiError fills Request and Response because sdk.Error formats both.
func apiError(status int) *sdk.Error {
	req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	return &sdk.Error{StatusCode: status, Request: req, Response: &http.Response{StatusCode: status, Request: req}}
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		ID:    "msg_1",
		Model: sdk.Model("claude-haiku-4-5-20251001"),
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 1200, OutputTokens: 300},
	}
}

func TestAnthropicComplete(t *testing.T) {
	m := &mockMessages{}
	m.On("New", mock.Anything, mock.MatchedBy(func(p sdk.MessageNewParams) bool {
		return p.MaxTokens == 2048 && len(p.System) == 1 && p.System[0].Text == "sys" && len(p.Messages) == 1
	})).Return(textMessage(`{"items": []}`), nil).Once()

	g := NewAnthropicWith(m, AnthropicConfig{MaxTokens: 2048, Retry: fastPolicy()})
	c, err := g.Complete(context.Background(), Request{Stage: "stage_a", System: "sys", Prompt: "extract", CacheSystem: true})
	require.NoError(t, err)
	assert.Equal(t, `{"items": []}`, c.Text)
	assert.Equal(t, int64(1500), c.Usage.Total())
	m.AssertExpectations(t)
}

func TestAnthropicRetriesTransientStatus(t *testing.T) {
	m := &mockMessages{}
	overloaded := apiError(http.StatusServiceUnavailable)
	m.On("New", mock.Anything, mock.Anything).Return(nil, overloaded).Twice()
	m.On("New", mock.Anything, mock.Anything).Return(textMessage("ok"), nil).Once()

	g := NewAnthropicWith(m, AnthropicConfig{Retry: fastPolicy()})
	c, err := g.Complete(context.Background(), Request{Stage: "summary", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)
	m.AssertNumberOfCalls(t, "New", 3)
}

func TestAnthropicDoesNotRetryClientError(t *testing.T) {
	m := &mockMessages{}
	m.On("New", mock.Anything, mock.Anything).Return(nil, apiError(http.StatusBadRequest)).Once()

	g := NewAnthropicWith(m, AnthropicConfig{Retry: fastPolicy()})
	_, err := g.Complete(context.Background(), Request{Stage: "summary", Prompt: "p"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	m.AssertNumberOfCalls(t, "New", 1)
}

func TestAnthropicTimeoutBecomesTransient(t *testing.T) {
	m := &mockMessages{}
	m.On("New", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	g := NewAnthropicWith(m, AnthropicConfig{Retry: fastPolicy()})
	_, err := g.Complete(context.Background(), Request{Stage: "stage_b", Prompt: "p"})
	require.Error(t, err)

	var te *resilience.TransientError
	assert.True(t, errors.As(err, &te))
	m.AssertNumberOfCalls(t, "New", 3)
}

func TestAnthropicBreakerOpens(t *testing.T) {
	m := &mockMessages{}
	m.On("New", mock.Anything, mock.Anything).Return(nil, apiError(http.StatusTooManyRequests))

	g := NewAnthropicWith(m, AnthropicConfig{
		Retry:   resilience.Policy{MaxAttempts: 1},
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := g.Complete(ctx, Request{Stage: "stage_a", Prompt: "p"})
		require.Error(t, err)
	}

	_, err := g.Complete(ctx, Request{Stage: "stage_a", Prompt: "p"})
	require.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.True(t, resilience.IsTransient(err), "open breaker surfaces as transient")
	m.AssertNumberOfCalls(t, "New", 2)
	assert.Equal(t, resilience.BreakerOpen, g.Breakers().Snapshot()["claude-haiku-4-5-20251001"])
}

func TestAnthropicConcurrentCalls(t *testing.T) {
	m := &mockMessages{}
	m.On("New", mock.Anything, mock.Anything).Return(textMessage("ok"), nil)

	g := NewAnthropicWith(m, AnthropicConfig{Retry: fastPolicy(), RequestsPerSecond: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Complete(context.Background(), Request{Stage: "stage_a", Prompt: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	m.AssertNumberOfCalls(t, "New", 10)
}

func TestUsageEstimateCost(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 4.80, u.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))

	cached := Usage{CacheWriteTokens: 1_000_000, CacheReadTokens: 1_000_000}
	assert.InDelta(t, 3.00*1.25+3.00*0.1, cached.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
}
