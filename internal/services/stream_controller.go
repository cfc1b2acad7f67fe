package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medviz/biostream/internal/cache"
	"github.com/medviz/biostream/internal/metadata"
	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventDataPoint   EventType = "data_point"
	EventAlert       EventType = "alert"
	EventStateChange EventType = "state_change"
)

// StreamEvent is one item on a subscriber channel. Exactly one of Point,
// Alert or State is populated, per Type.
type StreamEvent struct {
	Type      EventType                 `json:"type"`
	StreamID  string                    `json:"streamId"`
	Point     *models.BiometricDataPoint `json:"point,omitempty"`
	Alert     *models.BiometricAlert     `json:"alert,omitempty"`
	State     string                    `json:"state,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// StreamControllerDeps wires the controller's collaborators. Cache and
// Telegram are optional and may be nil.
type StreamControllerDeps struct {
	Resolver            metadata.Resolver
	Connections         *ConnectionManager
	Buffer              *StreamBuffer
	Evaluator           *AlertEvaluator
	Correlator          *CorrelationEngine
	Stats               *StatsCalculator
	Cache               *cache.LatestPointCache
	Telegram            *TelegramNotifier
	Logger              *logrus.Logger
	Metrics             *metrics.StreamMetrics
	CorrelationInterval time.Duration
}

// StreamController is the single entry point for stream lifecycle, buffered
// data access, alerts and correlation. It hides the connection manager,
// buffer, evaluator and correlation engine behind one facade.
type StreamController struct {
	resolver   metadata.Resolver
	conns      *ConnectionManager
	buffer     *StreamBuffer
	evaluator  *AlertEvaluator
	correlator *CorrelationEngine
	stats      *StatsCalculator
	cache      *cache.LatestPointCache
	telegram   *TelegramNotifier
	logger     *logrus.Logger
	metrics    *metrics.StreamMetrics
	interval   time.Duration

	lifecycleCtx context.Context
	cancel       context.CancelFunc

	mu           sync.RWMutex
	streams      map[string]models.BiometricStream
	latestMatrix *models.CorrelationMatrix
	subscribers  map[int]chan StreamEvent
	nextSubID    int
}

var _ PointSink = (*StreamController)(nil)

// NewStreamController creates the facade and registers it as the connection
// manager's state listener.
func NewStreamController(deps StreamControllerDeps) *StreamController {
	if deps.CorrelationInterval <= 0 {
		deps.CorrelationInterval = 30 * time.Second
	}
	sc := &StreamController{
		resolver:     deps.Resolver,
		conns:        deps.Connections,
		buffer:       deps.Buffer,
		evaluator:    deps.Evaluator,
		correlator:   deps.Correlator,
		stats:        deps.Stats,
		cache:        deps.Cache,
		telegram:     deps.Telegram,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		interval:     deps.CorrelationInterval,
		lifecycleCtx: context.Background(),
		streams:      make(map[string]models.BiometricStream),
		subscribers:  make(map[int]chan StreamEvent),
	}
	sc.conns.SetSink(sc)
	sc.conns.SetStateListener(func(streamID string, _, to ConnectionState) {
		sc.publish(StreamEvent{
			Type:      EventStateChange,
			StreamID:  streamID,
			State:     to.String(),
			Timestamp: time.Now().UTC(),
		})
	})
	return sc
}

// Start launches the background correlation loop. Connections opened after
// Start inherit ctx as their lifecycle context.
func (sc *StreamController) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sc.mu.Lock()
	sc.lifecycleCtx = runCtx
	sc.cancel = cancel
	sc.mu.Unlock()

	go sc.correlationLoop(runCtx)
	sc.logger.WithField("correlation_interval", sc.interval).Info("Stream controller started")
}

// Stop disconnects every stream and waits for connection goroutines to
// exit. Buffered data and alert history survive Stop.
func (sc *StreamController) Stop() {
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
		sc.cancel = nil
	}
	sc.mu.Unlock()

	sc.conns.DisconnectAll()
	sc.conns.Wait()
	sc.logger.Info("Stream controller stopped")
}

// ConnectStreams resolves stream metadata for a patient and opens a
// connection per resolved active stream. With no streamIDs every stream
// known for the patient is connected. A metadata failure opens nothing.
func (sc *StreamController) ConnectStreams(ctx context.Context, patientID string, streamIDs ...string) ([]models.BiometricStream, error) {
	resolved, err := sc.resolver.Resolve(ctx, patientID, streamIDs...)
	if err != nil {
		return nil, fmt.Errorf("stream connection aborted: %w", err)
	}

	sc.mu.Lock()
	lifecycle := sc.lifecycleCtx
	for _, stream := range resolved {
		sc.streams[stream.ID] = stream
	}
	sc.mu.Unlock()

	connected := 0
	for _, stream := range resolved {
		if !stream.IsActive {
			sc.logger.WithField("stream_id", stream.ID).Debug("Skipping inactive stream")
			continue
		}
		sc.conns.Connect(lifecycle, stream)
		connected++
	}

	sc.logger.WithFields(logrus.Fields{
		"patient_id": patientID,
		"resolved":   len(resolved),
		"connected":  connected,
	}).Info("Patient streams connected")
	return resolved, nil
}

// DisconnectStreams closes the given stream connections, or every
// connection when called with no ids. Buffered data is retained so recent
// windows stay queryable after a disconnect.
func (sc *StreamController) DisconnectStreams(streamIDs ...string) {
	if len(streamIDs) == 0 {
		sc.conns.DisconnectAll()
		return
	}
	for _, id := range streamIDs {
		sc.conns.Disconnect(id)
	}
}

// ClearBuffers drops the buffered windows for the given streams, or every
// window when called with no ids.
func (sc *StreamController) ClearBuffers(streamIDs ...string) {
	if len(streamIDs) == 0 {
		sc.buffer.ClearAll()
		return
	}
	for _, id := range streamIDs {
		sc.buffer.Clear(id)
	}
}

// HandleDataPoint ingests one decoded data point: buffer first, then alert
// evaluation, in the same call. Points for unknown or inactive streams are
// dropped.
func (sc *StreamController) HandleDataPoint(point models.BiometricDataPoint) {
	sc.mu.RLock()
	stream, known := sc.streams[point.StreamID]
	lifecycle := sc.lifecycleCtx
	sc.mu.RUnlock()

	if !known {
		sc.metrics.FrameDropped(point.StreamID, "unknown_stream")
		sc.logger.WithField("stream_id", point.StreamID).Debug("Dropping point for unknown stream")
		return
	}
	if !stream.IsActive {
		sc.metrics.FrameDropped(point.StreamID, "inactive")
		return
	}

	// Append increments the buffered-point counter itself.
	if !sc.buffer.Append(point) {
		return
	}

	sc.mu.Lock()
	stream.LastDataPointAt = point.Timestamp
	sc.streams[point.StreamID] = stream
	sc.mu.Unlock()
	sc.conns.MarkActivity(point.StreamID, point.Timestamp)

	if sc.cache != nil {
		sc.cache.Set(lifecycle, point)
	}

	alert := sc.evaluator.Evaluate(lifecycle, stream, point)

	sc.publish(StreamEvent{
		Type:      EventDataPoint,
		StreamID:  point.StreamID,
		Point:     &point,
		Timestamp: point.Timestamp,
	})
	if alert != nil {
		if sc.telegram != nil {
			go sc.telegram.NotifyCritical(lifecycle, *alert)
		}
		sc.publish(StreamEvent{
			Type:      EventAlert,
			StreamID:  alert.StreamID,
			Alert:     alert,
			Timestamp: alert.Timestamp,
		})
	}
}

// GetStreamData returns the buffered window for a stream, oldest first. It
// never returns nil.
func (sc *StreamController) GetStreamData(streamID string) []models.BiometricDataPoint {
	return sc.buffer.Window(streamID)
}

// LatestPoint returns the most recent reading for a stream, from the
// in-memory buffer when present, falling back to the Redis snapshot cache
// for streams whose buffers were cleared.
func (sc *StreamController) LatestPoint(ctx context.Context, streamID string) (models.BiometricDataPoint, bool) {
	if point, ok := sc.buffer.Latest(streamID); ok {
		return point, true
	}
	if sc.cache != nil {
		return sc.cache.Get(ctx, streamID)
	}
	return models.BiometricDataPoint{}, false
}

// ActiveStreams returns the descriptors of currently connected streams.
func (sc *StreamController) ActiveStreams() map[string]models.BiometricStream {
	return sc.conns.ActiveStreams()
}

// KnownStreams returns every stream descriptor the controller has resolved,
// connected or not.
func (sc *StreamController) KnownStreams() map[string]models.BiometricStream {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]models.BiometricStream, len(sc.streams))
	for id, stream := range sc.streams {
		out[id] = stream
	}
	return out
}

// ConnectionState returns the connection state for a stream.
func (sc *StreamController) ConnectionState(streamID string) ConnectionState {
	return sc.conns.State(streamID)
}

// IsConnected reports whether any stream connection is live.
func (sc *StreamController) IsConnected() bool {
	return sc.conns.IsConnected()
}

// LatestAlerts returns up to limit alerts, most recent first.
func (sc *StreamController) LatestAlerts(limit int) []models.BiometricAlert {
	return sc.evaluator.LatestAlerts(limit)
}

// AcknowledgeAlert marks an alert acknowledged.
func (sc *StreamController) AcknowledgeAlert(alertID string) bool {
	return sc.evaluator.Acknowledge(alertID)
}

// StreamStats summarizes the buffered window of one stream.
func (sc *StreamController) StreamStats(streamID string) (*StreamStats, error) {
	return sc.stats.Compute(streamID)
}

// CorrelateNow recomputes the correlation matrix over the currently active
// streams and records it as the latest.
func (sc *StreamController) CorrelateNow() *models.CorrelationMatrix {
	active := sc.conns.ActiveStreams()
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	matrix := sc.correlator.Correlate(ids)

	sc.mu.Lock()
	sc.latestMatrix = matrix
	sc.mu.Unlock()
	return matrix
}

// LatestCorrelation returns the most recently computed matrix, or false
// when none has been computed yet.
func (sc *StreamController) LatestCorrelation() (*models.CorrelationMatrix, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.latestMatrix == nil {
		return nil, false
	}
	return sc.latestMatrix, true
}

func (sc *StreamController) correlationLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			matrix := sc.CorrelateNow()
			sc.logger.WithField("pairs", matrix.Len()).Debug("Recomputed correlation matrix")
		}
	}
}

// Subscribe registers an event channel. The returned cancel function
// removes the subscription. Slow subscribers lose events rather than block
// the data path.
func (sc *StreamController) Subscribe() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 64)

	sc.mu.Lock()
	id := sc.nextSubID
	sc.nextSubID++
	sc.subscribers[id] = ch
	sc.mu.Unlock()

	cancel := func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		if _, ok := sc.subscribers[id]; ok {
			delete(sc.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (sc *StreamController) publish(event StreamEvent) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for _, ch := range sc.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
