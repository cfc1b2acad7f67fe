package services

import (
	"fmt"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/influxdata/tdigest"
	"github.com/medviz/biostream/internal/models"
)

// StreamStatsConfig sets the smoothing periods for trend calculations.
type StreamStatsConfig struct {
	SMAPeriod int
	EMAPeriod int
}

// StreamStats summarizes the buffered window of one stream: count, range,
// value quantiles and smoothed trend values.
type StreamStats struct {
	StreamID string    `json:"streamId"`
	Count    int       `json:"count"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Mean     float64   `json:"mean"`
	P50      float64   `json:"p50"`
	P95      float64   `json:"p95"`
	P99      float64   `json:"p99"`
	SMA      float64   `json:"sma"`
	EMA      float64   `json:"ema"`
	OldestAt time.Time `json:"oldestAt"`
	NewestAt time.Time `json:"newestAt"`
}

// StatsCalculator computes window summaries from the stream buffer.
type StatsCalculator struct {
	cfg    StreamStatsConfig
	buffer *StreamBuffer
}

// NewStatsCalculator creates a stats calculator reading from the given
// buffer.
func NewStatsCalculator(cfg StreamStatsConfig, buffer *StreamBuffer) *StatsCalculator {
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = 10
	}
	if cfg.EMAPeriod <= 0 {
		cfg.EMAPeriod = 10
	}
	return &StatsCalculator{cfg: cfg, buffer: buffer}
}

// Compute summarizes the buffered window of a stream. It returns an error
// when the window is empty.
func (s *StatsCalculator) Compute(streamID string) (*StreamStats, error) {
	window := s.buffer.Window(streamID)
	if len(window) == 0 {
		return nil, fmt.Errorf("no buffered data for stream %s", streamID)
	}

	values := make([]float64, len(window))
	digest := tdigest.NewWithCompression(100)
	var sum float64
	min, max := window[0].Value, window[0].Value
	for i, point := range window {
		values[i] = point.Value
		digest.Add(point.Value, 1)
		sum += point.Value
		if point.Value < min {
			min = point.Value
		}
		if point.Value > max {
			max = point.Value
		}
	}

	stats := &StreamStats{
		StreamID: streamID,
		Count:    len(window),
		Min:      min,
		Max:      max,
		Mean:     sum / float64(len(window)),
		P50:      digest.Quantile(0.50),
		P95:      digest.Quantile(0.95),
		P99:      digest.Quantile(0.99),
		SMA:      latestSMA(values, s.cfg.SMAPeriod),
		EMA:      latestEMA(values, s.cfg.EMAPeriod),
		OldestAt: window[0].Timestamp,
		NewestAt: window[len(window)-1].Timestamp,
	}
	return stats, nil
}

// ComputeAll summarizes every stream in the given set that has buffered
// data. Streams with empty windows are skipped.
func (s *StatsCalculator) ComputeAll(streams map[string]models.BiometricStream) map[string]*StreamStats {
	out := make(map[string]*StreamStats)
	for id := range streams {
		stats, err := s.Compute(id)
		if err != nil {
			continue
		}
		out[id] = stats
	}
	return out
}

// latestSMA returns the most recent simple moving average over the series.
// Windows shorter than the period fall back to the full-window average.
func latestSMA(values []float64, period int) float64 {
	if len(values) < period {
		period = len(values)
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	result := helper.ChanToSlice(sma.Compute(helper.SliceToChan(values)))
	if len(result) == 0 {
		return 0
	}
	return result[len(result)-1]
}

// latestEMA returns the most recent exponential moving average over the
// series.
func latestEMA(values []float64, period int) float64 {
	if len(values) < period {
		period = len(values)
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	result := helper.ChanToSlice(ema.Compute(helper.SliceToChan(values)))
	if len(result) == 0 {
		return 0
	}
	return result[len(result)-1]
}
