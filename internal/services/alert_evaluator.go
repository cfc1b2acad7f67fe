package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medviz/biostream/internal/config"
	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	ThresholdDirectionAbove = "above"
	ThresholdDirectionBelow = "below"
)

// Threshold holds the warning and critical bounds for one stream type.
// Direction "above" means values over a bound are abnormal; "below" means
// values under a bound are abnormal (oxygen saturation).
type Threshold struct {
	Warning   decimal.Decimal
	Critical  decimal.Decimal
	Direction string
}

// severityFor classifies a value against the threshold. It returns the
// severity, the bound that was crossed, and whether any bound was crossed.
func (t Threshold) severityFor(value decimal.Decimal) (models.Severity, decimal.Decimal, bool) {
	if t.Direction == ThresholdDirectionBelow {
		if value.LessThan(t.Critical) {
			return models.SeverityCritical, t.Critical, true
		}
		if value.LessThan(t.Warning) {
			return models.SeverityWarning, t.Warning, true
		}
		return "", decimal.Decimal{}, false
	}
	if value.GreaterThan(t.Critical) {
		return models.SeverityCritical, t.Critical, true
	}
	if value.GreaterThan(t.Warning) {
		return models.SeverityWarning, t.Warning, true
	}
	return "", decimal.Decimal{}, false
}

// DefaultThresholds returns the built-in clinical thresholds per stream type.
func DefaultThresholds() map[models.StreamType]Threshold {
	return map[models.StreamType]Threshold{
		models.StreamTypeHeartRate: {
			Warning:   decimal.NewFromInt(100),
			Critical:  decimal.NewFromInt(140),
			Direction: ThresholdDirectionAbove,
		},
		models.StreamTypeBloodPressureSystolic: {
			Warning:   decimal.NewFromInt(140),
			Critical:  decimal.NewFromInt(160),
			Direction: ThresholdDirectionAbove,
		},
		models.StreamTypeBloodPressureDiastolic: {
			Warning:   decimal.NewFromInt(90),
			Critical:  decimal.NewFromInt(110),
			Direction: ThresholdDirectionAbove,
		},
		models.StreamTypeOxygenSaturation: {
			Warning:   decimal.NewFromInt(94),
			Critical:  decimal.NewFromInt(90),
			Direction: ThresholdDirectionBelow,
		},
		models.StreamTypeRespiratoryRate: {
			Warning:   decimal.NewFromInt(20),
			Critical:  decimal.NewFromInt(30),
			Direction: ThresholdDirectionAbove,
		},
		models.StreamTypeTemperature: {
			Warning:   decimal.NewFromInt(38),
			Critical:  decimal.NewFromFloat(39.5),
			Direction: ThresholdDirectionAbove,
		},
	}
}

// ThresholdsFromConfig merges configured overrides on top of the defaults.
func ThresholdsFromConfig(overrides map[string]config.ThresholdConfig) (map[models.StreamType]Threshold, error) {
	thresholds := DefaultThresholds()
	for name, override := range overrides {
		streamType := models.StreamType(name)
		if !streamType.Valid() {
			return nil, fmt.Errorf("unknown stream type in threshold config: %s", name)
		}
		direction := override.Direction
		if direction == "" {
			direction = ThresholdDirectionAbove
		}
		thresholds[streamType] = Threshold{
			Warning:   decimal.NewFromFloat(override.Warning),
			Critical:  decimal.NewFromFloat(override.Critical),
			Direction: direction,
		}
	}
	return thresholds, nil
}

// AlertSubmitter forwards raised alerts to a downstream clinical system.
type AlertSubmitter interface {
	SubmitAlert(ctx context.Context, alert models.BiometricAlert) error
}

// AlertEvaluatorConfig bounds the alert history and the dedup window.
type AlertEvaluatorConfig struct {
	Cooldown  time.Duration
	MaxRecent int
}

// AlertEvaluator checks incoming data points against clinical thresholds and
// raises deduplicated alerts. Submission to the clinical system is
// fire-and-forget: a slow or failing submitter never blocks the data path.
type AlertEvaluator struct {
	cfg        AlertEvaluatorConfig
	thresholds map[models.StreamType]Threshold
	submitter  AlertSubmitter
	logger     *logrus.Logger
	metrics    *metrics.StreamMetrics

	mu     sync.Mutex
	recent []*models.BiometricAlert
	byID   map[string]*models.BiometricAlert
}

// NewAlertEvaluator creates an alert evaluator. A nil submitter disables
// downstream delivery; alerts are still recorded locally.
func NewAlertEvaluator(cfg AlertEvaluatorConfig, thresholds map[models.StreamType]Threshold, submitter AlertSubmitter, logger *logrus.Logger, m *metrics.StreamMetrics) *AlertEvaluator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.MaxRecent <= 0 {
		cfg.MaxRecent = 200
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &AlertEvaluator{
		cfg:        cfg,
		thresholds: thresholds,
		submitter:  submitter,
		logger:     logger,
		metrics:    m,
		byID:       make(map[string]*models.BiometricAlert),
	}
}

// Evaluate classifies one data point. It returns the raised alert, or nil
// when the value is in range or a matching alert is still cooling down.
//
// An alert is suppressed when an unacknowledged alert for the same stream
// with equal or higher severity was raised within the cooldown window. A
// critical alert is never suppressed by an earlier warning.
func (e *AlertEvaluator) Evaluate(ctx context.Context, stream models.BiometricStream, point models.BiometricDataPoint) *models.BiometricAlert {
	threshold, ok := e.thresholds[point.Type]
	if !ok {
		return nil
	}

	value := decimal.NewFromFloat(point.Value)
	severity, bound, crossed := threshold.severityFor(value)
	if !crossed {
		return nil
	}

	e.mu.Lock()
	if e.suppressedLocked(point.StreamID, severity, point.Timestamp) {
		e.mu.Unlock()
		e.metrics.AlertSuppressed()
		e.logger.WithFields(logrus.Fields{
			"stream_id": point.StreamID,
			"severity":  severity,
		}).Debug("Alert suppressed by cooldown")
		return nil
	}

	alert := &models.BiometricAlert{
		ID:                 uuid.NewString(),
		PatientID:          stream.PatientID,
		StreamID:           point.StreamID,
		Severity:           severity,
		TriggeringValue:    value,
		TriggeringThreshold: bound,
		Timestamp:          point.Timestamp,
	}
	e.recent = append(e.recent, alert)
	if len(e.recent) > e.cfg.MaxRecent {
		evicted := e.recent[0]
		delete(e.byID, evicted.ID)
		e.recent = e.recent[1:]
	}
	e.byID[alert.ID] = alert
	snapshot := *alert
	e.mu.Unlock()

	e.metrics.AlertRaised(string(severity))
	e.logger.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"stream_id": point.StreamID,
		"severity":  severity,
		"value":     value.String(),
		"threshold": bound.String(),
	}).Warn("Biometric alert raised")

	if e.submitter != nil {
		go e.submit(ctx, snapshot)
	}
	return &snapshot
}

// suppressedLocked reports whether an unacknowledged alert for the stream
// with severity rank >= the candidate's exists inside the cooldown window.
func (e *AlertEvaluator) suppressedLocked(streamID string, severity models.Severity, at time.Time) bool {
	for i := len(e.recent) - 1; i >= 0; i-- {
		prior := e.recent[i]
		if prior.StreamID != streamID || prior.Acknowledged {
			continue
		}
		if prior.Severity.Rank() < severity.Rank() {
			continue
		}
		if at.Sub(prior.Timestamp) < e.cfg.Cooldown {
			return true
		}
	}
	return false
}

func (e *AlertEvaluator) submit(ctx context.Context, alert models.BiometricAlert) {
	if err := e.submitter.SubmitAlert(ctx, alert); err != nil {
		e.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Alert delivery failed, will retry")
		return
	}
	e.MarkDelivered(alert.ID)
}

// Acknowledge marks an alert as acknowledged, ending its suppression of
// future alerts. It returns false for unknown alert ids.
func (e *AlertEvaluator) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.byID[alertID]
	if !ok {
		return false
	}
	alert.Acknowledged = true
	return true
}

// MarkDelivered records that the clinical system accepted the alert.
func (e *AlertEvaluator) MarkDelivered(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if alert, ok := e.byID[alertID]; ok {
		alert.Delivered = true
	}
}

// LatestAlerts returns up to limit alerts, most recent first. A
// non-positive limit returns the full retained history.
func (e *AlertEvaluator) LatestAlerts(limit int) []models.BiometricAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.BiometricAlert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *e.recent[i])
	}
	return out
}

// Undelivered returns alerts the clinical system has not yet accepted,
// oldest first.
func (e *AlertEvaluator) Undelivered() []models.BiometricAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.BiometricAlert
	for _, alert := range e.recent {
		if !alert.Delivered {
			out = append(out, *alert)
		}
	}
	return out
}
