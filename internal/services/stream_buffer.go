package services

import (
	"sort"
	"sync"
	"time"

	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// StreamBufferConfig bounds the in-memory working window per stream.
type StreamBufferConfig struct {
	MaxPoints int
	MaxAge    time.Duration
}

// StreamBuffer is a bounded, time-ordered store of data points per stream.
// It is the only state shared between the ingestion path and readers, so
// every read hands out a copy rather than the underlying slice.
type StreamBuffer struct {
	cfg     StreamBufferConfig
	logger  *logrus.Logger
	metrics *metrics.StreamMetrics

	mu      sync.RWMutex
	windows map[string][]models.BiometricDataPoint
}

// NewStreamBuffer creates a stream buffer with the given retention policy.
func NewStreamBuffer(cfg StreamBufferConfig, logger *logrus.Logger, m *metrics.StreamMetrics) *StreamBuffer {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 500
	}
	return &StreamBuffer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		windows: make(map[string][]models.BiometricDataPoint),
	}
}

// Append inserts a point into its stream's window, keeping the window
// ordered by timestamp. Points older than the oldest retained point are
// rejected so that late data never forces a re-sort; in-window stragglers
// are inserted in place. Returns false when the point was rejected.
func (b *StreamBuffer) Append(point models.BiometricDataPoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := b.windows[point.StreamID]

	if len(window) > 0 && point.Timestamp.Before(window[0].Timestamp) {
		b.logger.WithFields(logrus.Fields{
			"stream_id": point.StreamID,
			"timestamp": point.Timestamp,
			"oldest":    window[0].Timestamp,
		}).Debug("Rejected late data point")
		b.metrics.FrameDropped(point.StreamID, "late")
		return false
	}

	if len(window) == 0 || !point.Timestamp.Before(window[len(window)-1].Timestamp) {
		window = append(window, point)
	} else {
		// Out-of-order but still inside the window: insert in place.
		idx := sort.Search(len(window), func(i int) bool {
			return window[i].Timestamp.After(point.Timestamp)
		})
		window = append(window, models.BiometricDataPoint{})
		copy(window[idx+1:], window[idx:])
		window[idx] = point
	}

	window = b.evict(window)
	b.windows[point.StreamID] = window
	b.metrics.PointBuffered(point.StreamID)
	return true
}

// evict applies the count and age bounds. Age is measured against the newest
// retained point so replayed historical data behaves deterministically.
func (b *StreamBuffer) evict(window []models.BiometricDataPoint) []models.BiometricDataPoint {
	if n := len(window) - b.cfg.MaxPoints; n > 0 {
		window = window[n:]
	}
	if b.cfg.MaxAge > 0 && len(window) > 0 {
		cutoff := window[len(window)-1].Timestamp.Add(-b.cfg.MaxAge)
		idx := sort.Search(len(window), func(i int) bool {
			return !window[i].Timestamp.Before(cutoff)
		})
		if idx > 0 {
			window = window[idx:]
		}
	}
	return window
}

// Window returns a snapshot copy of a stream's buffered points, oldest
// first. Unknown or empty streams yield an empty slice, never nil or an
// error: "no data yet" is a normal state for callers.
func (b *StreamBuffer) Window(streamID string) []models.BiometricDataPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := b.windows[streamID]
	snapshot := make([]models.BiometricDataPoint, len(window))
	copy(snapshot, window)
	return snapshot
}

// Latest returns the most recent point for a stream, if any.
func (b *StreamBuffer) Latest(streamID string) (models.BiometricDataPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := b.windows[streamID]
	if len(window) == 0 {
		return models.BiometricDataPoint{}, false
	}
	return window[len(window)-1], true
}

// Len returns the number of buffered points for a stream.
func (b *StreamBuffer) Len(streamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.windows[streamID])
}

// Clear drops all buffered points for a stream.
func (b *StreamBuffer) Clear(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, streamID)
}

// ClearAll drops every stream's buffered points.
func (b *StreamBuffer) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = make(map[string][]models.BiometricDataPoint)
}
