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

	"github.com/sells-group/leadsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertConnectionError       AlertType = "connection_error"
	AlertSyncFailureRate       AlertType = "sync_failure_rate"
	AlertRecordErrorRate       AlertType = "sync_record_error_rate"
	AlertEnrichmentFailureRate AlertType = "enrichment_failure_rate"
)

// defaultMinSamples is the number of runs or attempts a rate needs before
// it can trigger an alert.
const defaultMinSamples = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A broken connection needs a human to re-authorize, whatever the rate.
	if snap.ConnectionsError > 0 {
		ids := make([]string, 0, len(snap.BrokenConnections))
		for _, c := range snap.BrokenConnections {
			ids = append(ids, c.ID)
		}
		alerts = append(alerts, Alert{
			Type:     AlertConnectionError,
			Severity: "high",
			Message: fmt.Sprintf("%d of %d CRM connection(s) in error status",
				snap.ConnectionsError, snap.ConnectionsTotal),
			Details: map[string]any{
				"connection_ids": ids,
				"connections":    snap.BrokenConnections,
			},
			Timestamp: now,
		})
	}

	if snap.SyncRuns >= a.cfg.MinSamples && snap.SyncFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Sync failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d runs in last %dh)",
				snap.SyncFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.SyncRunsFailed, snap.SyncRuns, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.SyncFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.SyncRunsFailed,
				"runs":         snap.SyncRuns,
			},
			Timestamp: now,
		})
	}

	records := snap.RecordsSynced + snap.RecordErrors
	if records >= a.cfg.MinSamples && snap.RecordErrorRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRecordErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Sync record error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d records in last %dh)",
				snap.RecordErrorRate*100, a.cfg.FailureRateThreshold*100,
				snap.RecordErrors, records, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.RecordErrorRate,
				"threshold":  a.cfg.FailureRateThreshold,
				"errors":     snap.RecordErrors,
				"records":    records,
			},
			Timestamp: now,
		})
	}

	if snap.EnrichAttempts >= a.cfg.MinSamples && snap.EnrichFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEnrichmentFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Enrichment failure rate %.1f%% exceeds threshold %.1f%% (%d errors / %d attempts in last %dh)",
				snap.EnrichFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.EnrichErrors, snap.EnrichAttempts, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.EnrichFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"errors":       snap.EnrichErrors,
				"not_found":    snap.EnrichNotFound,
				"attempts":     snap.EnrichAttempts,
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
