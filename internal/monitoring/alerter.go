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

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRecordFailureRate   AlertType = "record_failure_rate"
	AlertProviderFailureRate AlertType = "provider_failure_rate"
	AlertDegradedRate        AlertType = "degraded_rate"
	AlertGeocodeFailureRate  AlertType = "geocode_failure_rate"
	AlertEmergencyFallback   AlertType = "emergency_fallback"
)

// defaultMinSamples is used when monitoring.min_samples is unset.
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
	retry  resilience.RetryConfig
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithRetry retries webhook deliveries that fail transiently.
func WithRetry(rc resilience.RetryConfig) AlerterOption {
	return func(a *Alerter) { a.retry = rc }
}

// WithHTTPClient sets the client used for webhook delivery.
func WithHTTPClient(hc *http.Client) AlerterOption {
	return func(a *Alerter) {
		if hc != nil {
			a.client = hc
		}
	}
}

// NewAlerter creates a new Alerter with the given monitoring config. Webhook
// deliveries are attempted once unless WithRetry is given.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.RetryConfig{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Alerter) minSamples() int {
	if a.cfg.MinSamples > 0 {
		return a.cfg.MinSamples
	}
	return defaultMinSamples
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rates are only judged once enough samples exist; a zero threshold
// disables that check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	minSamples := a.minSamples()

	finished := snap.RecordsCompleted + snap.RecordsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minSamples && snap.RecordFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRecordFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Record failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.RecordFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RecordsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.RecordFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RecordsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ProviderFailureThreshold > 0 {
		for _, p := range snap.Providers {
			if p.Calls < minSamples || p.FailureRate() <= a.cfg.ProviderFailureThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertProviderFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Provider %s (%s) failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d calls in last %dh)",
					p.Provider, p.Capability, p.FailureRate()*100, a.cfg.ProviderFailureThreshold*100,
					p.Failures, p.Calls, snap.LookbackHours,
				),
				Details: map[string]any{
					"provider":    p.Provider,
					"capability":  string(p.Capability),
					"calls":       p.Calls,
					"failures":    p.Failures,
					"error_kinds": p.ErrorKinds,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.DegradedRateThreshold > 0 && snap.LLMAttempts >= minSamples && snap.DegradedRate > a.cfg.DegradedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDegradedRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%.1f%% of capability results came from local fallbacks in last %dh (threshold %.1f%%)",
				snap.DegradedRate*100, snap.LookbackHours, a.cfg.DegradedRateThreshold*100,
			),
			Details: map[string]any{
				"degraded":      snap.Degraded,
				"attempts":      snap.LLMAttempts,
				"local_results": snap.LocalResults,
			},
			Timestamp: now,
		})
	}

	if a.cfg.GeocodeFailureThreshold > 0 && snap.GeocodeTotal >= minSamples && snap.GeocodeFailRate > a.cfg.GeocodeFailureThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGeocodeFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Geocoding failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d in last %dh)",
				snap.GeocodeFailRate*100, a.cfg.GeocodeFailureThreshold*100,
				snap.GeocodeFailed, snap.GeocodeTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failed": snap.GeocodeFailed,
				"total":  snap.GeocodeTotal,
			},
			Timestamp: now,
		})
	}

	// The emergency fallback means both the LLM chain and the rule engine
	// were unavailable, so any occurrence is reported.
	if snap.EmergencyFallbacks > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertEmergencyFallback,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d result(s) came from the emergency fallback in last %dh",
				snap.EmergencyFallbacks, snap.LookbackHours,
			),
			Details: map[string]any{
				"count": snap.EmergencyFallbacks,
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
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
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
		return &resilience.StatusError{
			Provider:   "monitoring: webhook",
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil
}
