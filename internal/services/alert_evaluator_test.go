package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medviz/biostream/internal/config"
	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alertEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSubmitter struct {
	mu     sync.Mutex
	alerts []models.BiometricAlert
	err    error
}

func (s *recordingSubmitter) SubmitAlert(_ context.Context, alert models.BiometricAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestEvaluator(submitter AlertSubmitter) *AlertEvaluator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := AlertEvaluatorConfig{Cooldown: time.Minute, MaxRecent: 10}
	return NewAlertEvaluator(cfg, DefaultThresholds(), submitter, logger, metrics.New(prometheus.NewRegistry()))
}

func hrPoint(value float64, at time.Time) models.BiometricDataPoint {
	return models.BiometricDataPoint{
		ID:        "p-1",
		StreamID:  "hr-1",
		Timestamp: at,
		Value:     value,
		Type:      models.StreamTypeHeartRate,
		Source:    models.SourceWearable,
		Quality:   models.QualityHigh,
	}
}

func TestAlertEvaluator_NormalValueRaisesNothing(t *testing.T) {
	e := newTestEvaluator(nil)
	alert := e.Evaluate(context.Background(), heartRateStream("hr-1"), hrPoint(75, alertEpoch))
	assert.Nil(t, alert)
	assert.Empty(t, e.LatestAlerts(0))
}

func TestAlertEvaluator_WarningAndCriticalBounds(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	warning := e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch))
	require.NotNil(t, warning)
	assert.Equal(t, models.SeverityWarning, warning.Severity)
	assert.True(t, warning.TriggeringValue.Equal(decimal.NewFromInt(110)))
	assert.True(t, warning.TriggeringThreshold.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "patient-1", warning.PatientID)

	critical := e.Evaluate(context.Background(), stream, hrPoint(150, alertEpoch.Add(2*time.Minute)))
	require.NotNil(t, critical)
	assert.Equal(t, models.SeverityCritical, critical.Severity)
	assert.True(t, critical.TriggeringThreshold.Equal(decimal.NewFromInt(140)))
}

func TestAlertEvaluator_BelowDirectionForOxygen(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := models.BiometricStream{
		ID: "spo2-1", PatientID: "patient-1",
		Type: models.StreamTypeOxygenSaturation, Source: models.SourceClinical,
	}
	point := models.BiometricDataPoint{
		StreamID: "spo2-1", Timestamp: alertEpoch, Value: 88,
		Type: models.StreamTypeOxygenSaturation, Quality: models.QualityHigh,
	}

	alert := e.Evaluate(context.Background(), stream, point)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.True(t, alert.TriggeringThreshold.Equal(decimal.NewFromInt(90)))

	point.Value = 93
	point.Timestamp = alertEpoch.Add(2 * time.Minute)
	alert = e.Evaluate(context.Background(), stream, point)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityWarning, alert.Severity)
}

func TestAlertEvaluator_CooldownSuppressesRepeat(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	first := e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch))
	require.NotNil(t, first)

	// one second later, still inside the cooldown window
	second := e.Evaluate(context.Background(), stream, hrPoint(112, alertEpoch.Add(time.Second)))
	assert.Nil(t, second)
	assert.Len(t, e.LatestAlerts(0), 1)

	// past the cooldown window a fresh alert is raised
	third := e.Evaluate(context.Background(), stream, hrPoint(112, alertEpoch.Add(70*time.Second)))
	require.NotNil(t, third)
	assert.Len(t, e.LatestAlerts(0), 2)
}

func TestAlertEvaluator_CriticalNotSuppressedByWarning(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	require.NotNil(t, e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch)))

	critical := e.Evaluate(context.Background(), stream, hrPoint(150, alertEpoch.Add(time.Second)))
	require.NotNil(t, critical)
	assert.Equal(t, models.SeverityCritical, critical.Severity)
}

func TestAlertEvaluator_WarningSuppressedByRecentCritical(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	require.NotNil(t, e.Evaluate(context.Background(), stream, hrPoint(150, alertEpoch)))
	assert.Nil(t, e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch.Add(time.Second))))
}

func TestAlertEvaluator_AcknowledgeEndsSuppression(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	first := e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch))
	require.NotNil(t, first)
	require.True(t, e.Acknowledge(first.ID))

	second := e.Evaluate(context.Background(), stream, hrPoint(111, alertEpoch.Add(time.Second)))
	require.NotNil(t, second)
}

func TestAlertEvaluator_AcknowledgeUnknownID(t *testing.T) {
	e := newTestEvaluator(nil)
	assert.False(t, e.Acknowledge("no-such-alert"))
}

func TestAlertEvaluator_IndependentStreamsDoNotSuppress(t *testing.T) {
	e := newTestEvaluator(nil)

	require.NotNil(t, e.Evaluate(context.Background(), heartRateStream("hr-1"), hrPoint(110, alertEpoch)))

	other := hrPoint(110, alertEpoch.Add(time.Second))
	other.StreamID = "hr-2"
	require.NotNil(t, e.Evaluate(context.Background(), heartRateStream("hr-2"), other))
}

func TestAlertEvaluator_LatestAlertsMostRecentFirst(t *testing.T) {
	e := newTestEvaluator(nil)
	stream := heartRateStream("hr-1")

	e.Evaluate(context.Background(), stream, hrPoint(110, alertEpoch))
	e.Evaluate(context.Background(), stream, hrPoint(120, alertEpoch.Add(2*time.Minute)))
	e.Evaluate(context.Background(), stream, hrPoint(130, alertEpoch.Add(4*time.Minute)))

	alerts := e.LatestAlerts(2)
	require.Len(t, alerts, 2)
	assert.True(t, alerts[0].TriggeringValue.Equal(decimal.NewFromInt(130)))
	assert.True(t, alerts[1].TriggeringValue.Equal(decimal.NewFromInt(120)))
}

func TestAlertEvaluator_HistoryBounded(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	e := NewAlertEvaluator(
		AlertEvaluatorConfig{Cooldown: time.Second, MaxRecent: 3},
		DefaultThresholds(), nil, logger, metrics.New(prometheus.NewRegistry()),
	)
	stream := heartRateStream("hr-1")

	for i := 0; i < 5; i++ {
		at := alertEpoch.Add(time.Duration(i) * 2 * time.Second)
		require.NotNil(t, e.Evaluate(context.Background(), stream, hrPoint(110+float64(i), at)))
	}
	assert.Len(t, e.LatestAlerts(0), 3)
}

func TestAlertEvaluator_SubmitsAndMarksDelivered(t *testing.T) {
	submitter := &recordingSubmitter{}
	e := newTestEvaluator(submitter)

	alert := e.Evaluate(context.Background(), heartRateStream("hr-1"), hrPoint(110, alertEpoch))
	require.NotNil(t, alert)

	require.Eventually(t, func() bool { return submitter.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return len(e.Undelivered()) == 0
	}, time.Second, time.Millisecond)
}

func TestAlertEvaluator_FailedDeliveryStaysUndelivered(t *testing.T) {
	submitter := &recordingSubmitter{err: errors.New("clinical service unavailable")}
	e := newTestEvaluator(submitter)

	require.NotNil(t, e.Evaluate(context.Background(), heartRateStream("hr-1"), hrPoint(110, alertEpoch)))

	time.Sleep(20 * time.Millisecond)
	undelivered := e.Undelivered()
	require.Len(t, undelivered, 1)
	assert.False(t, undelivered[0].Delivered)
}

func TestThresholdsFromConfig_Overrides(t *testing.T) {
	thresholds, err := ThresholdsFromConfig(map[string]config.ThresholdConfig{
		"heart_rate": {Warning: 90, Critical: 120, Direction: "above"},
	})
	require.NoError(t, err)

	hr := thresholds[models.StreamTypeHeartRate]
	assert.True(t, hr.Warning.Equal(decimal.NewFromInt(90)))
	assert.True(t, hr.Critical.Equal(decimal.NewFromInt(120)))

	// untouched types keep their defaults
	spo2 := thresholds[models.StreamTypeOxygenSaturation]
	assert.Equal(t, ThresholdDirectionBelow, spo2.Direction)
}

func TestThresholdsFromConfig_RejectsUnknownType(t *testing.T) {
	_, err := ThresholdsFromConfig(map[string]config.ThresholdConfig{
		"step_count": {Warning: 1, Critical: 2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_count")
}
