package services

import (
	"math"
	"time"

	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// CorrelationEngineConfig bounds pairwise alignment and sample requirements.
type CorrelationEngineConfig struct {
	// MinSamples is the minimum number of aligned sample pairs required to
	// report a coefficient.
	MinSamples int
	// MaxSkew is the largest timestamp distance at which two points from
	// different streams are considered simultaneous.
	MaxSkew time.Duration
}

// CorrelationEngine computes pairwise Pearson coefficients over the buffered
// windows of multiple streams. Streams sample at different rates, so points
// are first aligned by nearest timestamp within MaxSkew.
type CorrelationEngine struct {
	cfg    CorrelationEngineConfig
	buffer *StreamBuffer
	logger *logrus.Logger
}

// NewCorrelationEngine creates a correlation engine reading from the given
// buffer.
func NewCorrelationEngine(cfg CorrelationEngineConfig, buffer *StreamBuffer, logger *logrus.Logger) *CorrelationEngine {
	if cfg.MinSamples < 3 {
		cfg.MinSamples = 3
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 2 * time.Second
	}
	return &CorrelationEngine{cfg: cfg, buffer: buffer, logger: logger}
}

// Correlate computes the correlation matrix for every unordered pair of the
// given streams. Pairs with fewer than MinSamples aligned points are left
// out of the matrix entirely, as are pairs where either stream has zero
// variance. A stream paired with itself is always 1.0 when it has enough
// samples.
func (e *CorrelationEngine) Correlate(streamIDs []string) *models.CorrelationMatrix {
	matrix := models.NewCorrelationMatrix()

	windows := make(map[string][]models.BiometricDataPoint, len(streamIDs))
	for _, id := range streamIDs {
		windows[id] = e.buffer.Window(id)
	}

	for i := 0; i < len(streamIDs); i++ {
		for j := i; j < len(streamIDs); j++ {
			a, b := streamIDs[i], streamIDs[j]
			if a == b {
				if len(windows[a]) >= e.cfg.MinSamples {
					matrix.Set(a, a, 1.0)
				}
				continue
			}

			xs, ys := alignByTimestamp(windows[a], windows[b], e.cfg.MaxSkew)
			if len(xs) < e.cfg.MinSamples {
				e.logger.WithFields(logrus.Fields{
					"stream_a":        a,
					"stream_b":        b,
					"aligned_samples": len(xs),
					"min_samples":     e.cfg.MinSamples,
				}).Debug("Skipping correlation pair with insufficient overlap")
				continue
			}

			r, ok := pearson(xs, ys)
			if !ok {
				continue
			}
			matrix.Set(a, b, r)
		}
	}
	return matrix
}

// alignByTimestamp pairs each point of the sparser stream with its nearest
// neighbor in the denser stream, keeping only pairs within maxSkew. Both
// inputs are time ordered, so a single forward pass suffices. Each point of
// the denser stream is used at most once.
func alignByTimestamp(a, b []models.BiometricDataPoint, maxSkew time.Duration) (xs, ys []float64) {
	swapped := false
	if len(a) > len(b) {
		a, b = b, a
		swapped = true
	}

	j := 0
	for _, pa := range a {
		// advance to the nearest b point for pa
		for j+1 < len(b) && absDuration(b[j+1].Timestamp.Sub(pa.Timestamp)) <= absDuration(b[j].Timestamp.Sub(pa.Timestamp)) {
			j++
		}
		if j >= len(b) {
			break
		}
		if absDuration(b[j].Timestamp.Sub(pa.Timestamp)) > maxSkew {
			continue
		}
		if swapped {
			xs = append(xs, b[j].Value)
			ys = append(ys, pa.Value)
		} else {
			xs = append(xs, pa.Value)
			ys = append(ys, b[j].Value)
		}
		j++
	}
	return xs, ys
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// pearson computes the Pearson correlation coefficient of two equal-length
// series. It returns ok=false when either series has zero variance.
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if n == 0 {
		return 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}

	r := cov / math.Sqrt(varX*varY)
	// guard against float drift past the valid range
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}
