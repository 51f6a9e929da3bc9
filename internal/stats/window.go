package stats

import (
	"sync"

	"github.com/Bldg-7/airsentry/internal/shared"
	"github.com/Bldg-7/airsentry/internal/threshold"
)

const (
	// windowSeconds is the time horizon of the per-kind ring.
	windowSeconds = 3600.0
	// maxPoints bounds ring memory independently of the time horizon.
	maxPoints = 3600
)

// Point is one retained observation.
type Point struct {
	TS    float64 `json:"ts"`
	Value float64 `json:"value"`
}

// DayStats are the running aggregates for the current local day.
type DayStats struct {
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

type buffer struct {
	points []Point

	day   string
	count int
	sum   float64
	min   float64
	max   float64
}

// Engine keeps a bounded sliding window plus day-scoped aggregates per
// (sid, peer, kind). Buffers are owned by the engine; readers get copies.
type Engine struct {
	mu      sync.RWMutex
	buffers map[string]*buffer
}

func NewEngine() *Engine {
	return &Engine{buffers: make(map[string]*buffer)}
}

func key(sid, peer, kind string) string {
	return sid + "|" + peer + "|" + kind
}

// accept applies the ingest sanity filter: the legacy -1 "no data" sentinel
// is dropped for every kind except temperature, and temperatures below
// -100 C are sensor glitches.
func accept(kind string, value float64) bool {
	if kind == string(threshold.KindTemperature) {
		return value >= -100
	}
	return value != -1
}

// Push appends the values of one reading. Out-of-order points within clock
// skew are kept; day aggregates reset when the reading's local date moves on.
func (e *Engine) Push(sid, peer string, ts float64, values map[string]float64) {
	day := shared.DayBucket(ts)

	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, value := range values {
		if !accept(kind, value) {
			continue
		}

		k := key(sid, peer, kind)
		buf, ok := e.buffers[k]
		if !ok {
			buf = &buffer{}
			e.buffers[k] = buf
		}

		buf.points = append(buf.points, Point{TS: ts, Value: value})
		if len(buf.points) > maxPoints {
			buf.points = buf.points[len(buf.points)-maxPoints:]
		}

		if buf.day != day {
			buf.day = day
			buf.count = 0
			buf.sum = 0
			buf.min = value
			buf.max = value
		}
		buf.count++
		buf.sum += value
		if value < buf.min {
			buf.min = value
		}
		if value > buf.max {
			buf.max = value
		}
	}
}

// LastHour returns a copy of the retained points newer than the eviction
// horizon, oldest first.
func (e *Engine) LastHour(sid, peer, kind string) []Point {
	cutoff := shared.UnixNow() - windowSeconds

	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.buffers[key(sid, peer, kind)]
	if !ok {
		return nil
	}

	// Points arrive in near time order, so eviction is a prefix trim.
	idx := 0
	for idx < len(buf.points) && buf.points[idx].TS < cutoff {
		idx++
	}
	if idx > 0 {
		buf.points = buf.points[idx:]
	}
	if len(buf.points) == 0 {
		return nil
	}

	out := make([]Point, len(buf.points))
	copy(out, buf.points)
	return out
}

// TodayStats returns the running aggregates for the current local day, or
// nil when nothing was recorded today.
func (e *Engine) TodayStats(sid, peer, kind string) *DayStats {
	today := shared.DayBucketNow()

	e.mu.RLock()
	defer e.mu.RUnlock()

	buf, ok := e.buffers[key(sid, peer, kind)]
	if !ok || buf.day != today || buf.count == 0 {
		return nil
	}
	return &DayStats{
		Min:   buf.min,
		Avg:   buf.sum / float64(buf.count),
		Max:   buf.max,
		Count: buf.count,
	}
}
