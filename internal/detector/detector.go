// Package detector implements robust z-score anomaly detection over
// per-(service, metric) time series. The baseline is the median of the
// series prefix; dispersion is the scaled median absolute deviation
// (1.4826 * MAD), which approximates sigma for Gaussian data without being
// dragged around by the anomalies themselves.
package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/models"
)

// DetectorName tags persisted anomalies with the algorithm that found them.
const DetectorName = "robust_zscore"

// madFloor substitutes for a vanishing MAD so division stays sane.
const madFloor = 1e-6

// minBufferPoints gates detection until a series has seen enough data.
const minBufferPoints = 20

// Direction states which way a metric deviates when something is wrong.
type Direction string

const (
	UpIsBad   Direction = "up"
	DownIsBad Direction = "down"
)

// Config configures the robust z-score detector.
type Config struct {
	// ZThreshold is the robust z-score above which a point is anomalous.
	// Default: 3.0.
	ZThreshold float64

	// MinPoints is the minimum baseline sample count. Default: 10.
	MinPoints int

	// WindowMinutes is the size of the evaluation window in points, one
	// point per minute at the expected cadence. Default: 5.
	WindowMinutes int

	// RequiredAnomalies is the run length of consecutive bad points needed
	// to emit a segment. Default: 3.
	RequiredAnomalies int

	// LookbackDays caps the baseline prefix length in minutes of history.
	// Default: 7.
	LookbackDays int

	// BadDirections maps metric names to their bad direction. Metrics not
	// listed default to up-is-bad.
	BadDirections map[string]Direction
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		ZThreshold:        3.0,
		MinPoints:         10,
		WindowMinutes:     5,
		RequiredAnomalies: 3,
		LookbackDays:      7,
		BadDirections: map[string]Direction{
			"p95_latency_ms": UpIsBad,
			"p99_latency_ms": UpIsBad,
			"error_rate":     UpIsBad,
			"qps":            DownIsBad,
		},
	}
}

// FromConfig maps the application config onto the defaults, overriding only
// the fields that are set.
func FromConfig(c config.DetectorConfig) Config {
	cfg := DefaultConfig()
	if c.ZThreshold > 0 {
		cfg.ZThreshold = c.ZThreshold
	}
	if c.MinPoints > 0 {
		cfg.MinPoints = c.MinPoints
	}
	if c.WindowMinutes > 0 {
		cfg.WindowMinutes = c.WindowMinutes
	}
	if c.RequiredAnomalies > 0 {
		cfg.RequiredAnomalies = c.RequiredAnomalies
	}
	if c.LookbackDays > 0 {
		cfg.LookbackDays = c.LookbackDays
	}
	return cfg
}

// Segment is one detected anomaly run inside the evaluation window.
type Segment struct {
	StartTS time.Time
	EndTS   time.Time
	MaxZ    float64
}

// ComputeBaseline returns the median and scaled MAD of the values, or
// ok=false when there are fewer than MinPoints samples.
func (c Config) ComputeBaseline(values []float64) (median, scaledMAD float64, ok bool) {
	if len(values) < c.MinPoints {
		return 0, 0, false
	}
	median = medianOf(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	mad := medianOf(deviations)
	return median, 1.4826 * mad, true
}

// IsAnomaly reports whether a value deviates past the threshold in the bad
// direction for its metric.
func (c Config) IsAnomaly(value, median, scaledMAD float64, metric string) bool {
	mad := scaledMAD
	if mad < madFloor {
		mad = madFloor
	}
	z := math.Abs(value-median) / mad
	if z <= c.ZThreshold {
		return false
	}
	direction, ok := c.BadDirections[metric]
	if !ok {
		direction = UpIsBad
	}
	if direction == UpIsBad && value < median {
		return false
	}
	if direction == DownIsBad && value > median {
		return false
	}
	return true
}

// DetectWindow sweeps the trailing evaluation window of one series against a
// baseline built from the preceding prefix and returns the qualifying
// anomaly segments. timestamps and values must be ascending by ts and the
// same length.
func (c Config) DetectWindow(timestamps []time.Time, values []float64, metric string) []Segment {
	if len(values) < c.MinPoints+c.RequiredAnomalies {
		return nil
	}

	baselineSize := len(values) - c.WindowMinutes
	if limit := c.LookbackDays * 24 * 60; baselineSize > limit {
		baselineSize = limit
	}
	median, scaledMAD, ok := c.ComputeBaseline(values[:baselineSize])
	if !ok {
		return nil
	}

	var segments []Segment
	var run *Segment
	runLen := 0

	flush := func() {
		if run != nil && runLen >= c.RequiredAnomalies {
			segments = append(segments, *run)
		}
		run = nil
		runLen = 0
	}

	for i := len(values) - c.WindowMinutes; i < len(values); i++ {
		value := values[i]
		ts := timestamps[i]

		var z float64
		if scaledMAD >= madFloor {
			z = math.Abs(value-median) / scaledMAD
		}

		if c.IsAnomaly(value, median, scaledMAD, metric) {
			if run == nil {
				run = &Segment{StartTS: ts, EndTS: ts, MaxZ: z}
			} else {
				run.EndTS = ts
				if z > run.MaxZ {
					run.MaxZ = z
				}
			}
			runLen++
		} else {
			flush()
		}
	}
	flush()

	return segments
}

// Detector owns the per-key series buffers and runs the sweep as points
// arrive. It must be driven by a single goroutine.
type Detector struct {
	cfg     Config
	buffers map[string]*buffer
}

func New(cfg Config) *Detector {
	return &Detector{
		cfg:     cfg,
		buffers: make(map[string]*buffer),
	}
}

// Warmup preloads historical points into the buffers so detection does not
// cold-start after a restart.
func (d *Detector) Warmup(points []models.MetricPoint) {
	now := time.Now().UTC()
	for _, p := range points {
		d.buffer(p.Service, p.Metric).append(p.TS, p.Value, now)
	}
}

// AddPoint appends one sample and returns any anomalies the sweep finds.
// Returned anomalies carry no ID; the store assigns one on insert.
func (d *Detector) AddPoint(p models.MetricPoint, now time.Time) []models.Anomaly {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return nil
	}
	b := d.buffer(p.Service, p.Metric)
	b.append(p.TS, p.Value, now)
	if b.len() < minBufferPoints {
		return nil
	}

	timestamps, values := b.sorted()
	segments := d.cfg.DetectWindow(timestamps, values, p.Metric)
	if len(segments) == 0 {
		return nil
	}

	anomalies := make([]models.Anomaly, 0, len(segments))
	for _, seg := range segments {
		anomalies = append(anomalies, models.Anomaly{
			Service:  p.Service,
			Metric:   p.Metric,
			StartTS:  seg.StartTS,
			EndTS:    seg.EndTS,
			Score:    seg.MaxZ,
			Detector: DetectorName,
			Details:  map[string]float64{"z_score": seg.MaxZ},
		})
	}
	return anomalies
}

// SeriesCount reports how many (service, metric) series are buffered.
func (d *Detector) SeriesCount() int { return len(d.buffers) }

func (d *Detector) buffer(service, metric string) *buffer {
	key := fmt.Sprintf("%s|%s", service, metric)
	b, ok := d.buffers[key]
	if !ok {
		b = &buffer{}
		d.buffers[key] = b
	}
	return b
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
