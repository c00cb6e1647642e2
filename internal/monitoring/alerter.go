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

	"github.com/atlasreg/carte-extractor/internal/config"
	"github.com/atlasreg/carte-extractor/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "job_failure_rate"
	AlertStuckProcessing AlertType = "jobs_stuck_processing"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate alerts require at least 5 finished jobs so a single failure on a
// quiet system does not page anyone.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Completed + snap.Failed
	if finished >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Extraction failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate":        snap.FailRate,
				"threshold":        a.cfg.FailureRateThreshold,
				"failed":           snap.Failed,
				"finished":         finished,
				"failures_by_kind": snap.FailuresByKind,
			},
			Timestamp: now,
		})
	}

	if snap.StuckProcessing > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckProcessing,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d job(s) stuck in processing for over %s in last %dh",
				snap.StuckProcessing, stuckThreshold, snap.LookbackHours,
			),
			Details: map[string]any{
				"stuck_count":      snap.StuckProcessing,
				"processing_total": snap.Processing,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("webhook", "send_alert")

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
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

// Watch checks job health until ctx is cancelled: it collects a snapshot,
// evaluates it, delivers whatever fires, and sleeps for the configured
// interval. The first check runs immediately so a bad deploy pages before
// the first tick.
func (a *Alerter) Watch(ctx context.Context, collector *Collector) {
	interval := time.Duration(a.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "alerter"))
	log.Info("watching job health",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", a.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.checkOnce(ctx, collector, log)
		select {
		case <-ctx.Done():
			log.Info("job health watch stopped")
			return
		case <-ticker.C:
		}
	}
}

func (a *Alerter) checkOnce(ctx context.Context, collector *Collector, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	snap, err := collector.Collect(ctx, a.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("job health snapshot failed", zap.Error(err))
		return
	}
	alerts := a.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	sent := a.SendAlerts(ctx, alerts)
	log.Warn("job health alerts fired",
		zap.Int("fired", len(alerts)),
		zap.Int("delivered", sent),
	)
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
