package services

import (
	"testing"
	"time"

	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(maxPoints int, maxAge time.Duration) *StreamBuffer {
	return NewStreamBuffer(StreamBufferConfig{MaxPoints: maxPoints, MaxAge: maxAge}, logrus.New(), nil)
}

func pointAt(streamID string, ts time.Time, value float64) models.BiometricDataPoint {
	return models.BiometricDataPoint{
		ID:        streamID + "-" + ts.Format(time.RFC3339Nano),
		StreamID:  streamID,
		Timestamp: ts,
		Value:     value,
		Type:      models.StreamTypeHeartRate,
		Source:    models.SourceWearable,
		Quality:   models.QualityHigh,
	}
}

var bufferEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStreamBuffer_WindowAlwaysTimeOrdered(t *testing.T) {
	buf := newTestBuffer(100, 0)

	// Deliberately shuffled arrival order, all within the window.
	offsets := []int{0, 5, 2, 9, 3, 7, 4}
	for _, off := range offsets {
		buf.Append(pointAt("stream-hr", bufferEpoch.Add(time.Duration(off)*time.Second), float64(off)))
	}

	window := buf.Window("stream-hr")
	require.Len(t, window, len(offsets))
	for i := 1; i < len(window); i++ {
		assert.False(t, window[i].Timestamp.Before(window[i-1].Timestamp),
			"window must be timestamp-non-decreasing")
	}
}

func TestStreamBuffer_RejectsPointOlderThanOldest(t *testing.T) {
	buf := newTestBuffer(3, 0)

	for i := 0; i < 4; i++ {
		require.True(t, buf.Append(pointAt("stream-hr", bufferEpoch.Add(time.Duration(i)*time.Second), float64(i))))
	}
	// Capacity 3: the point at t+0 has been evicted, oldest is now t+1.
	before := buf.Window("stream-hr")

	accepted := buf.Append(pointAt("stream-hr", bufferEpoch, 0))
	assert.False(t, accepted)
	assert.Equal(t, before, buf.Window("stream-hr"), "rejected append must not change contents")

	// Rejection is idempotent.
	assert.False(t, buf.Append(pointAt("stream-hr", bufferEpoch, 0)))
	assert.Equal(t, before, buf.Window("stream-hr"))
}

func TestStreamBuffer_EmptyStreamReturnsEmptySlice(t *testing.T) {
	buf := newTestBuffer(10, 0)

	window := buf.Window("never-seen")
	assert.NotNil(t, window)
	assert.Empty(t, window)
	assert.Equal(t, 0, buf.Len("never-seen"))

	_, ok := buf.Latest("never-seen")
	assert.False(t, ok)
}

func TestStreamBuffer_EvictsByCount(t *testing.T) {
	buf := newTestBuffer(5, 0)

	for i := 0; i < 12; i++ {
		buf.Append(pointAt("stream-hr", bufferEpoch.Add(time.Duration(i)*time.Second), float64(i)))
	}

	window := buf.Window("stream-hr")
	require.Len(t, window, 5)
	assert.Equal(t, 7.0, window[0].Value)
	assert.Equal(t, 11.0, window[4].Value)
}

func TestStreamBuffer_EvictsByAge(t *testing.T) {
	buf := newTestBuffer(100, 10*time.Second)

	buf.Append(pointAt("stream-hr", bufferEpoch, 1))
	buf.Append(pointAt("stream-hr", bufferEpoch.Add(4*time.Second), 2))
	buf.Append(pointAt("stream-hr", bufferEpoch.Add(30*time.Second), 3))

	window := buf.Window("stream-hr")
	require.Len(t, window, 1)
	assert.Equal(t, 3.0, window[0].Value)
}

func TestStreamBuffer_OutOfOrderInsertInPlace(t *testing.T) {
	buf := newTestBuffer(100, 0)

	buf.Append(pointAt("stream-hr", bufferEpoch, 1))
	buf.Append(pointAt("stream-hr", bufferEpoch.Add(10*time.Second), 3))
	// Straggler inside the window: newer than oldest, older than newest.
	require.True(t, buf.Append(pointAt("stream-hr", bufferEpoch.Add(5*time.Second), 2)))

	window := buf.Window("stream-hr")
	require.Len(t, window, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{window[0].Value, window[1].Value, window[2].Value})
}

func TestStreamBuffer_WindowIsACopy(t *testing.T) {
	buf := newTestBuffer(10, 0)
	buf.Append(pointAt("stream-hr", bufferEpoch, 42))

	window := buf.Window("stream-hr")
	window[0].Value = -1

	fresh := buf.Window("stream-hr")
	assert.Equal(t, 42.0, fresh[0].Value, "mutating a snapshot must not affect the buffer")
}

func TestStreamBuffer_ClearAndLatest(t *testing.T) {
	buf := newTestBuffer(10, 0)
	buf.Append(pointAt("stream-hr", bufferEpoch, 1))
	buf.Append(pointAt("stream-bp", bufferEpoch, 120))

	latest, ok := buf.Latest("stream-bp")
	require.True(t, ok)
	assert.Equal(t, 120.0, latest.Value)

	buf.Clear("stream-hr")
	assert.Empty(t, buf.Window("stream-hr"))
	assert.Len(t, buf.Window("stream-bp"), 1)

	buf.ClearAll()
	assert.Empty(t, buf.Window("stream-bp"))
}

func TestStreamBuffer_StreamsAreIndependent(t *testing.T) {
	buf := newTestBuffer(2, 0)

	buf.Append(pointAt("stream-hr", bufferEpoch.Add(time.Second), 1))
	buf.Append(pointAt("stream-bp", bufferEpoch, 120))

	// A point older than stream-hr's oldest is still fine for stream-bp.
	assert.True(t, buf.Append(pointAt("stream-bp", bufferEpoch.Add(500*time.Millisecond), 121)))
	assert.Len(t, buf.Window("stream-bp"), 2)
}
