package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// StreamType identifies the physiological signal a stream carries.
type StreamType string

const (
	StreamTypeHeartRate              StreamType = "heart_rate"
	StreamTypeBloodPressureSystolic  StreamType = "blood_pressure_systolic"
	StreamTypeBloodPressureDiastolic StreamType = "blood_pressure_diastolic"
	StreamTypeRespiratoryRate        StreamType = "respiratory_rate"
	StreamTypeOxygenSaturation       StreamType = "oxygen_saturation"
	StreamTypeTemperature            StreamType = "temperature"
)

// Valid reports whether the stream type is one of the supported signals.
func (s StreamType) Valid() bool {
	switch s {
	case StreamTypeHeartRate, StreamTypeBloodPressureSystolic, StreamTypeBloodPressureDiastolic,
		StreamTypeRespiratoryRate, StreamTypeOxygenSaturation, StreamTypeTemperature:
		return true
	}
	return false
}

var titleCaser = cases.Title(language.English)

// DisplayName returns a human readable label, e.g. "Heart Rate".
func (s StreamType) DisplayName() string {
	return titleCaser.String(strings.ReplaceAll(string(s), "_", " "))
}

// Source identifies where a stream's readings originate.
type Source string

const (
	SourceWearable Source = "wearable"
	SourceClinical Source = "clinical"
	SourceLab      Source = "lab"
)

// Quality grades the reliability of an individual reading.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// Valid reports whether the quality grade is known.
func (q Quality) Valid() bool {
	switch q {
	case QualityHigh, QualityMedium, QualityLow:
		return true
	}
	return false
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// BiometricStream describes one sensor stream attached to a patient.
type BiometricStream struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patientId"`
	Type            StreamType `json:"type"`
	Source          Source     `json:"source"`
	Unit            string     `json:"unit"`
	IsActive        bool       `json:"isActive"`
	LastDataPointAt time.Time  `json:"lastDataPointAt,omitempty"`
}

// BiometricDataPoint is one timestamped reading from a stream.
type BiometricDataPoint struct {
	ID        string     `json:"id"`
	StreamID  string     `json:"streamId"`
	Timestamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value"`
	Type      StreamType `json:"type"`
	Source    Source     `json:"source"`
	Quality   Quality    `json:"quality"`
}

// BiometricAlert records a threshold crossing on a stream.
type BiometricAlert struct {
	ID                  string          `json:"id"`
	PatientID           string          `json:"patientId"`
	StreamID            string          `json:"streamId"`
	Severity            Severity        `json:"severity"`
	TriggeringValue     decimal.Decimal `json:"triggeringValue"`
	TriggeringThreshold decimal.Decimal `json:"triggeringThreshold"`
	Timestamp           time.Time       `json:"timestamp"`
	Acknowledged        bool            `json:"acknowledged"`
	Delivered           bool            `json:"delivered"`
}

// PairKey returns the canonical key for an unordered stream pair. The two
// orderings of a pair always map to the same key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// CorrelationMatrix holds pairwise Pearson coefficients computed over a set
// of streams at one point in time. Pairs with insufficient overlapping
// samples are absent rather than zero.
type CorrelationMatrix struct {
	ComputedAt   time.Time          `json:"computedAt"`
	Coefficients map[string]float64 `json:"coefficients"`
}

// NewCorrelationMatrix returns an empty matrix.
func NewCorrelationMatrix() *CorrelationMatrix {
	return &CorrelationMatrix{
		ComputedAt:   time.Now().UTC(),
		Coefficients: make(map[string]float64),
	}
}

// Set records the coefficient for a stream pair.
func (m *CorrelationMatrix) Set(a, b string, coefficient float64) {
	m.Coefficients[PairKey(a, b)] = coefficient
}

// Get looks up the coefficient for a stream pair in either order.
func (m *CorrelationMatrix) Get(a, b string) (float64, bool) {
	v, ok := m.Coefficients[PairKey(a, b)]
	return v, ok
}

// Len returns the number of recorded pairs.
func (m *CorrelationMatrix) Len() int {
	return len(m.Coefficients)
}
