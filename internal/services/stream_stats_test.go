package services

import (
	"testing"
	"time"

	"github.com/medviz/biostream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStats(buf *StreamBuffer) *StatsCalculator {
	return NewStatsCalculator(StreamStatsConfig{SMAPeriod: 3, EMAPeriod: 3}, buf)
}

func TestStatsCalculator_BasicSummary(t *testing.T) {
	buf := newTestBuffer(100, 0)
	fillSeries(buf, "hr", bufferEpoch, time.Second, []float64{60, 70, 80, 90, 100})

	stats, err := newTestStats(buf).Compute("hr")
	require.NoError(t, err)

	assert.Equal(t, "hr", stats.StreamID)
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 60.0, stats.Min)
	assert.Equal(t, 100.0, stats.Max)
	assert.InDelta(t, 80.0, stats.Mean, 1e-9)
	assert.Equal(t, bufferEpoch, stats.OldestAt)
	assert.Equal(t, bufferEpoch.Add(4*time.Second), stats.NewestAt)
}

func TestStatsCalculator_QuantilesOrdered(t *testing.T) {
	buf := newTestBuffer(200, 0)
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	fillSeries(buf, "hr", bufferEpoch, time.Second, values)

	stats, err := newTestStats(buf).Compute("hr")
	require.NoError(t, err)

	assert.InDelta(t, 50, stats.P50, 3)
	assert.InDelta(t, 95, stats.P95, 3)
	assert.InDelta(t, 99, stats.P99, 2)
	assert.LessOrEqual(t, stats.P50, stats.P95)
	assert.LessOrEqual(t, stats.P95, stats.P99)
}

func TestStatsCalculator_TrendValues(t *testing.T) {
	buf := newTestBuffer(100, 0)
	fillSeries(buf, "hr", bufferEpoch, time.Second, []float64{60, 70, 80, 90, 100})

	stats, err := newTestStats(buf).Compute("hr")
	require.NoError(t, err)

	// SMA over the final period of 3: (80+90+100)/3
	assert.InDelta(t, 90.0, stats.SMA, 1e-9)
	// EMA weights recent values, so it sits between the SMA and the latest
	assert.Greater(t, stats.EMA, stats.SMA-1e-9)
	assert.LessOrEqual(t, stats.EMA, 100.0)
}

func TestStatsCalculator_WindowShorterThanPeriod(t *testing.T) {
	buf := newTestBuffer(100, 0)
	fillSeries(buf, "hr", bufferEpoch, time.Second, []float64{60, 80})

	stats, err := NewStatsCalculator(StreamStatsConfig{SMAPeriod: 10, EMAPeriod: 10}, buf).Compute("hr")
	require.NoError(t, err)
	assert.InDelta(t, 70.0, stats.SMA, 1e-9)
}

func TestStatsCalculator_EmptyWindow(t *testing.T) {
	buf := newTestBuffer(100, 0)
	_, err := newTestStats(buf).Compute("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestStatsCalculator_ComputeAllSkipsEmpty(t *testing.T) {
	buf := newTestBuffer(100, 0)
	fillSeries(buf, "hr", bufferEpoch, time.Second, []float64{60, 70, 80})

	streams := map[string]models.BiometricStream{
		"hr":    heartRateStream("hr"),
		"empty": heartRateStream("empty"),
	}
	all := newTestStats(buf).ComputeAll(streams)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all["hr"].Count)
}
