package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/config"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertDLQDepth       AlertType = "dlq_depth"
	AlertOpenBreakers   AlertType = "open_breakers"
	AlertStaleStage     AlertType = "stale_stage"
	AlertRetrainNeeded  AlertType = "retrain_needed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig

	nowFunc func() time.Time
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.FromRetryConfig(cfg.WebhookRetryAttempts, cfg.WebhookBackoffMs, 0, 0, -1)
	retry.OnRetry = resilience.RetryLogger("webhook", "send_alert")
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   retry,
		nowFunc: time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.nowFunc().UTC()

	// Run failure rate, once enough runs finished to be meaningful.
	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= 5 && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Dead letters pending in the queue's DLQ stream.
	if a.cfg.DLQDepthThreshold > 0 && snap.QueueDLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d dead-lettered tasks awaiting triage (threshold %d)",
				snap.QueueDLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"dlq_depth": snap.QueueDLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
				"archived":  snap.DLQArchived,
			},
			Timestamp: now,
		})
	}

	// Widespread breaker trips point at an upstream outage rather than a
	// per-entity data problem.
	if a.cfg.OpenBreakerThreshold > 0 && snap.OpenBreakers > a.cfg.OpenBreakerThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOpenBreakers,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d circuit breakers open (threshold %d), upstream feed outage likely",
				snap.OpenBreakers, a.cfg.OpenBreakerThreshold,
			),
			Details: map[string]any{
				"open_breakers": snap.OpenBreakers,
				"threshold":     a.cfg.OpenBreakerThreshold,
			},
			Timestamp: now,
		})
	}

	// Stages that have not produced output within the staleness window.
	if a.cfg.StaleStageHours > 0 {
		limit := time.Duration(a.cfg.StaleStageHours) * time.Hour
		for stage, watermark := range snap.StageWatermarks {
			if age := now.Sub(watermark); age > limit {
				alerts = append(alerts, Alert{
					Type:     AlertStaleStage,
					Severity: "medium",
					Message: fmt.Sprintf(
						"stage %s has produced no output for %.0fh (limit %dh)",
						stage, age.Hours(), a.cfg.StaleStageHours,
					),
					Details: map[string]any{
						"stage":     stage,
						"watermark": watermark,
						"age_hours": age.Hours(),
					},
					Timestamp: now,
				})
			}
		}
	}

	return alerts
}

// RetrainAlert builds an alert for a triggered retraining decision so the
// monitor can push it through the same webhook.
func RetrainAlert(family string, reasons []string, at time.Time) Alert {
	return Alert{
		Type:     AlertRetrainNeeded,
		Severity: "medium",
		Message:  fmt.Sprintf("retraining recommended for model family %s", family),
		Details: map[string]any{
			"family":  family,
			"reasons": reasons,
		},
		Timestamp: at,
	}
}

// SendAlerts delivers alerts to the configured webhook URL. Returns the
// number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
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

// sendWebhook posts a single alert to the webhook URL, retrying transient
// delivery failures.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return resilience.NewTransient(eris.Wrap(err, "monitoring: webhook request"))
		}
		defer resp.Body.Close() //nolint:errcheck
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		if resp.StatusCode >= 500 {
			return resilience.NewTransient(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
