package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
)

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.2})
	tests := []struct {
		name      string
		snap      MetricsSnapshot
		wantAlert bool
	}{
		{"healthy", MetricsSnapshot{Completed: 18, Failed: 2, FailRate: 0.1}, false},
		{"too few finished", MetricsSnapshot{Completed: 1, Failed: 3, FailRate: 0.75}, false},
		{"failure spike", MetricsSnapshot{Completed: 6, Failed: 4, FailRate: 0.4, LookbackHours: 24}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := a.Evaluate(&tt.snap)
			if !tt.wantAlert {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, AlertFailureRate, alerts[0].Type)
			assert.Contains(t, alerts[0].Message, "40.0%")
		})
	}
}

func TestAlerter_EvaluateTick(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{MaxReprocess: 3})
	alerts := a.EvaluateTick(TickResult{Exhausted: []string{"a-1"}, Healed: []string{"a-2"}, Requeued: []string{"a-3"}})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertReprocessExceeded, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "after 3 reprocess attempts")
	assert.Equal(t, AlertAutoHealed, alerts[1].Type)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertAutoHealed, Severity: "low", Message: "m", Timestamp: time.Now()}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, AlertAutoHealed, got.Type)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
}

func TestAlerter_SendAlerts_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertAutoHealed}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertAutoHealed}}))
	assert.Equal(t, int32(1), calls.Load())
}
