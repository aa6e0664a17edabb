package detector

import (
	"sort"
	"time"
)

// bufferRetention bounds how much history one series keeps in memory.
const bufferRetention = 24 * time.Hour

type point struct {
	ts    time.Time
	value float64
}

// buffer holds the bounded time series for one (service, metric) key. It is
// owned by a single consumer goroutine; no locking.
type buffer struct {
	points []point
}

// append adds a point and drops entries older than the retention window
// relative to now.
func (b *buffer) append(ts time.Time, value float64, now time.Time) {
	b.points = append(b.points, point{ts: ts, value: value})
	cutoff := now.Add(-bufferRetention)
	if len(b.points) > 0 && b.points[0].ts.Before(cutoff) {
		kept := b.points[:0]
		for _, p := range b.points {
			if !p.ts.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		b.points = kept
	}
}

func (b *buffer) len() int { return len(b.points) }

// sorted returns timestamps and values ascending by ts. Input is near-sorted
// so the stable sort is cheap.
func (b *buffer) sorted() ([]time.Time, []float64) {
	sort.SliceStable(b.points, func(i, j int) bool {
		return b.points[i].ts.Before(b.points[j].ts)
	})
	timestamps := make([]time.Time, len(b.points))
	values := make([]float64, len(b.points))
	for i, p := range b.points {
		timestamps[i] = p.ts
		values[i] = p.value
	}
	return timestamps, values
}
