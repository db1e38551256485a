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

	"github.com/statlinehq/props-engine/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.20,
		DLQDepthThreshold:    10,
		OpenBreakerThreshold: 20,
		StaleStageHours:      36,
		LookbackWindowHours:  24,
	}
}

func TestAlerter_Evaluate_HealthySnapshot(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     100,
		RunsComplete:  95,
		RunsFailed:    5,
		RunFailRate:   0.05,
		QueueDLQDepth: 2,
		OpenBreakers:  3,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RunFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsComplete:  12,
		RunsFailed:    8,
		RunFailRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FailureRateNeedsVolume(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// 2 of 3 failed is a terrible rate, but too few runs to alert on.
	snap := &MetricsSnapshot{
		RunsTotal:    3,
		RunsComplete: 1,
		RunsFailed:   2,
		RunFailRate:  2.0 / 3.0,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		QueueDLQDepth: 25,
		DLQArchived:   40,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "25 dead-lettered tasks")
}

func TestAlerter_Evaluate_OpenBreakers(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		OpenBreakers:  45,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertOpenBreakers, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "upstream feed outage")
}

func TestAlerter_Evaluate_StaleStage(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	now := time.Date(2025, 11, 14, 12, 0, 0, 0, time.UTC)
	a.nowFunc = func() time.Time { return now }

	snap := &MetricsSnapshot{
		StageWatermarks: map[string]time.Time{
			"rawstats": now.Add(-2 * time.Hour),  // fresh
			"features": now.Add(-48 * time.Hour), // stale
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleStage, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "stage features")
}

func TestAlerter_SendAlerts_PostsToWebhook(t *testing.T) {
	var received atomic.Int32
	var lastType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		lastType = string(alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDLQDepth, Severity: "high", Message: "test"},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, string(AlertDLQDepth), lastType)
}

func TestAlerter_SendAlerts_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = 5 * time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)
	a.retry.InitialBackoff = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestRetrainAlert(t *testing.T) {
	at := time.Date(2025, 11, 14, 9, 0, 0, 0, time.UTC)
	alert := RetrainAlert("points", []string{"production MAE 5.2 exceeds limit 4.6"}, at)

	assert.Equal(t, AlertRetrainNeeded, alert.Type)
	assert.Contains(t, alert.Message, "points")
	assert.Equal(t, at, alert.Timestamp)
}
