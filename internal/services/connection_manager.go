package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// ConnectionState represents the transport state of a single stream.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// streamFrame is the inbound wire format. Timestamp is unix milliseconds.
type streamFrame struct {
	StreamID  string  `json:"streamId"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Type      string  `json:"type"`
	Quality   string  `json:"quality"`
}

// StreamConn is the subset of a websocket connection the manager needs.
// *websocket.Conn satisfies it; tests substitute scripted fakes.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// StreamDialer opens a transport connection for a stream endpoint.
type StreamDialer interface {
	Dial(ctx context.Context, endpoint string) (StreamConn, error)
}

// WebsocketDialer dials real WebSocket connections.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to the given endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (StreamConn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// PointSink receives every decoded data point from connected streams.
type PointSink interface {
	HandleDataPoint(point models.BiometricDataPoint)
}

// ConnectionManagerConfig drives connection endpoints and the reconnection
// backoff policy.
type ConnectionManagerConfig struct {
	BaseURL        string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterEnabled  bool
}

var errConnClosed = errors.New("connection closed")

// streamSession tracks one stream's connection lifecycle. The generation
// token is bumped on every explicit disconnect; goroutines spawned for an
// older generation become no-ops, which is what prevents a pending backoff
// timer from reopening a connection after the user disconnected.
type streamSession struct {
	stream     models.BiometricStream
	state      ConnectionState
	conn       StreamConn
	generation uint64
	attempts   int
	stop       chan struct{}
}

// ConnectionManager owns one transport connection per active stream and the
// per-stream connection state machine.
type ConnectionManager struct {
	cfg     ConnectionManagerConfig
	dialer  StreamDialer
	sink    PointSink
	logger  *logrus.Logger
	metrics *metrics.StreamMetrics

	// onStateChange is invoked with the manager lock held; listeners must
	// not call back into the manager.
	onStateChange func(streamID string, from, to ConnectionState)

	mu       sync.Mutex
	sessions map[string]*streamSession
	wg       sync.WaitGroup
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(cfg ConnectionManagerConfig, dialer StreamDialer, sink PointSink, logger *logrus.Logger, m *metrics.StreamMetrics) *ConnectionManager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &ConnectionManager{
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*streamSession),
	}
}

// SetSink sets the destination for decoded data points. Must be called
// before the first Connect.
func (c *ConnectionManager) SetSink(sink PointSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetStateListener registers a callback for state transitions.
func (c *ConnectionManager) SetStateListener(fn func(streamID string, from, to ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// Connect opens (or resumes) the connection for a stream. Calling it for a
// stream that is already Connecting/Connected/Reconnecting is a no-op.
func (c *ConnectionManager) Connect(ctx context.Context, stream models.BiometricStream) {
	c.mu.Lock()

	s, ok := c.sessions[stream.ID]
	if ok {
		switch s.state {
		case StateConnecting, StateConnected, StateReconnecting:
			c.mu.Unlock()
			return
		}
	} else {
		s = &streamSession{}
		c.sessions[stream.ID] = s
	}

	s.stream = stream
	s.attempts = 0
	s.stop = make(chan struct{})
	gen := s.generation
	c.transition(s, StateConnecting)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, stream.ID, gen)
}

// run drives one stream's connect/read/reconnect loop for a single
// generation. It exits as soon as the generation goes stale, the retry cap
// is exceeded, or the context is cancelled.
func (c *ConnectionManager) run(ctx context.Context, streamID string, gen uint64) {
	defer c.wg.Done()

	for {
		if c.stale(streamID, gen) {
			return
		}

		conn, err := c.dialer.Dial(ctx, c.endpointFor(streamID))
		if err != nil {
			c.logger.WithError(err).WithField("stream_id", streamID).Warn("Stream connection attempt failed")
			if !c.awaitRetry(ctx, streamID, gen) {
				return
			}
			continue
		}

		if !c.attach(streamID, gen, conn) {
			_ = conn.Close()
			return
		}

		c.readLoop(streamID, conn)

		if c.stale(streamID, gen) {
			return
		}
		c.logger.WithField("stream_id", streamID).Warn("Stream connection closed unexpectedly")
		if !c.awaitRetry(ctx, streamID, gen) {
			return
		}
	}
}

// stale reports whether a connect loop for the given generation should
// stop: the session is gone, a disconnect bumped the generation, or the
// stream was explicitly moved to Disconnected.
func (c *ConnectionManager) stale(streamID string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[streamID]
	return !ok || s.generation != gen || s.state == StateDisconnected
}

// readLoop consumes frames until the connection errors or is closed.
func (c *ConnectionManager) readLoop(streamID string, conn StreamConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(streamID, data)
	}
}

// handleFrame decodes one inbound frame and routes the resulting point to
// the sink. Malformed frames are logged and dropped; they never tear down
// the connection.
func (c *ConnectionManager) handleFrame(streamID string, data []byte) {
	c.metrics.FrameReceived(streamID)

	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Warn("Discarding malformed frame")
		c.metrics.FrameDropped(streamID, "malformed")
		return
	}
	if frame.StreamID == "" || frame.Timestamp <= 0 {
		c.logger.WithField("stream_id", streamID).Warn("Discarding frame with missing stream id or timestamp")
		c.metrics.FrameDropped(streamID, "malformed")
		return
	}
	if frame.StreamID != streamID {
		c.metrics.FrameDropped(streamID, "stream_mismatch")
		return
	}

	quality := models.Quality(frame.Quality)
	if !quality.Valid() {
		c.logger.WithFields(logrus.Fields{
			"stream_id": streamID,
			"quality":   frame.Quality,
		}).Warn("Discarding frame with unknown quality grade")
		c.metrics.FrameDropped(streamID, "malformed")
		return
	}

	c.mu.Lock()
	s, ok := c.sessions[streamID]
	if !ok || s.state != StateConnected {
		c.mu.Unlock()
		c.metrics.FrameDropped(streamID, "inactive")
		return
	}
	descriptor := s.stream
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return
	}
	sink.HandleDataPoint(models.BiometricDataPoint{
		ID:        uuid.NewString(),
		StreamID:  streamID,
		Timestamp: time.UnixMilli(frame.Timestamp).UTC(),
		Value:     frame.Value,
		Type:      descriptor.Type,
		Source:    descriptor.Source,
		Quality:   quality,
	})
}

// attach records a freshly opened connection, unless the generation went
// stale while dialing.
func (c *ConnectionManager) attach(streamID string, gen uint64, conn StreamConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[streamID]
	if !ok || s.generation != gen || s.state == StateDisconnected {
		return false
	}
	s.conn = conn
	s.attempts = 0
	c.transition(s, StateConnected)
	c.logger.WithField("stream_id", streamID).Info("Stream connected")
	return true
}

// awaitRetry moves the stream to Reconnecting and sleeps through the
// backoff delay. It returns false when no further attempt should be made:
// retry cap exceeded (stream Failed), generation stale, explicit stop, or
// context cancelled.
func (c *ConnectionManager) awaitRetry(ctx context.Context, streamID string, gen uint64) bool {
	c.mu.Lock()
	s, ok := c.sessions[streamID]
	if !ok || s.generation != gen || s.state == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	if s.attempts >= c.cfg.MaxRetries {
		s.conn = nil
		c.transition(s, StateFailed)
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"stream_id":   streamID,
			"max_retries": c.cfg.MaxRetries,
		}).Error("Stream exceeded max reconnection attempts, giving up")
		return false
	}
	s.attempts++
	attempt := s.attempts
	stop := s.stop
	c.transition(s, StateReconnecting)
	c.mu.Unlock()

	delay := c.backoffDelay(attempt)
	c.metrics.ReconnectAttempt(streamID)
	c.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"attempt":   attempt,
		"delay":     delay,
	}).Warn("Scheduling stream reconnection")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok = c.sessions[streamID]
	if !ok || s.generation != gen || s.state == StateDisconnected {
		return false
	}
	c.transition(s, StateConnecting)
	return true
}

// backoffDelay computes the exponential backoff delay for the given attempt
// with an optional ±25% jitter, capped at MaxBackoff.
func (c *ConnectionManager) backoffDelay(attempt int) time.Duration {
	delay := float64(c.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= c.cfg.BackoffFactor
		if delay >= float64(c.cfg.MaxBackoff) {
			delay = float64(c.cfg.MaxBackoff)
			break
		}
	}
	if c.cfg.JitterEnabled {
		delay *= 1 + (rand.Float64()-0.5)*0.5
	}
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

// Disconnect tears down one stream's connection. The generation bump
// invalidates any in-flight dial or pending backoff timer.
func (c *ConnectionManager) Disconnect(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(streamID)
}

// DisconnectAll tears down every stream's connection.
func (c *ConnectionManager) DisconnectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for streamID := range c.sessions {
		c.disconnectLocked(streamID)
	}
}

func (c *ConnectionManager) disconnectLocked(streamID string) {
	s, ok := c.sessions[streamID]
	if !ok {
		return
	}
	s.generation++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.attempts = 0
	if s.state != StateDisconnected {
		c.transition(s, StateDisconnected)
		c.logger.WithField("stream_id", streamID).Info("Stream disconnected")
	}
}

// Wait blocks until all connection goroutines have exited. Intended for
// shutdown after DisconnectAll.
func (c *ConnectionManager) Wait() {
	c.wg.Wait()
}

// State returns the connection state for a stream; unknown streams are
// Disconnected.
func (c *ConnectionManager) State(streamID string) ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[streamID]; ok {
		return s.state
	}
	return StateDisconnected
}

// ActiveStreams returns the descriptors of streams that are currently
// Connected or Reconnecting.
func (c *ConnectionManager) ActiveStreams() map[string]models.BiometricStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[string]models.BiometricStream)
	for id, s := range c.sessions {
		if s.state == StateConnected || s.state == StateReconnecting {
			stream := s.stream
			stream.IsActive = true
			active[id] = stream
		}
	}
	return active
}

// IsConnected reports whether at least one stream is Connected.
func (c *ConnectionManager) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.state == StateConnected {
			return true
		}
	}
	return false
}

// MarkActivity updates the descriptor bookkeeping for an accepted point.
func (c *ConnectionManager) MarkActivity(streamID string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[streamID]; ok {
		s.stream.LastDataPointAt = ts
		s.stream.IsActive = true
	}
}

// transition updates a session's state, the active-connection gauge and the
// listener. Callers hold c.mu.
func (c *ConnectionManager) transition(s *streamSession, to ConnectionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	active := 0
	for _, sess := range c.sessions {
		if sess.state == StateConnected || sess.state == StateReconnecting {
			active++
		}
	}
	c.metrics.SetActiveConnections(active)

	c.logger.WithFields(logrus.Fields{
		"stream_id": s.stream.ID,
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("Stream connection state changed")

	if c.onStateChange != nil {
		c.onStateChange(s.stream.ID, from, to)
	}
}

func (c *ConnectionManager) endpointFor(streamID string) string {
	return c.cfg.BaseURL + "/" + url.PathEscape(streamID)
}
