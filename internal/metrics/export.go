package metrics

import (
	"sort"
	"time"
)

// MetricStart returns a function that records the elapsed time when called:
//
//	defer metrics.MetricStart("session", "build")()
func MetricStart(topic, function string) func() {
	start := time.Now()
	return func() {
		GetInstance().RecordDuration(topic, function, time.Since(start))
	}
}

// MetricHit records a cache hit
func MetricHit(topic, function string) {
	GetInstance().RecordHit(topic, function)
}

// MetricMiss records a cache miss
func MetricMiss(topic, function string) {
	GetInstance().RecordMiss(topic, function)
}

// MetricInc increments a counter by 1
func MetricInc(topic, function string) {
	GetInstance().AddCounter(topic, function, 1)
}

// MetricAdd adds to a counter
func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

// MetricSet sets a gauge value
func MetricSet(topic, function string, value int64) {
	GetInstance().SetGauge(topic, function, value)
}

// MetricOutcome records an outcome
func MetricOutcome(topic, function, outcome string) {
	GetInstance().RecordOutcome(topic, function, outcome)
}

// Entry is the exported form of one metric.
type Entry struct {
	Path string     `json:"path"`
	Type MetricType `json:"type"`

	Count   int64   `json:"count,omitempty"`
	AvgMs   float64 `json:"avgMs,omitempty"`
	MaxMs   float64 `json:"maxMs,omitempty"`
	LastMs  float64 `json:"lastMs,omitempty"`
	Hits    int64   `json:"hits,omitempty"`
	Misses  int64   `json:"misses,omitempty"`
	HitRate float64 `json:"hitRate,omitempty"`
	Value   int64   `json:"value"`
	Min     int64   `json:"min,omitempty"`
	Max     int64   `json:"max,omitempty"`

	Outcomes    map[string]int64 `json:"outcomes,omitempty"`
	LastOutcome string           `json:"lastOutcome,omitempty"`
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Metrics       []Entry `json:"metrics"`
}

// GetSnapshot copies all metrics, sorted by path.
func (m *MetricsManager) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	for path, t := range m.timings {
		e := Entry{Path: path, Type: TypeTiming, Count: t.Count, MaxMs: ms(t.Max), LastMs: ms(t.Last)}
		if t.Count > 0 {
			e.AvgMs = ms(t.Total) / float64(t.Count)
		}
		entries = append(entries, e)
	}
	for path, h := range m.hitMiss {
		e := Entry{Path: path, Type: TypeHitMiss, Hits: h.Hits, Misses: h.Misses}
		if total := h.Hits + h.Misses; total > 0 {
			e.HitRate = float64(h.Hits) / float64(total)
		}
		entries = append(entries, e)
	}
	for path, v := range m.counters {
		entries = append(entries, Entry{Path: path, Type: TypeCounter, Value: v})
	}
	for path, g := range m.gauges {
		entries = append(entries, Entry{Path: path, Type: TypeGauge, Value: g.Value, Min: g.Min, Max: g.Max})
	}
	for path, o := range m.outcomes {
		outcomes := make(map[string]int64, len(o.Outcomes))
		for k, v := range o.Outcomes {
			outcomes[k] = v
		}
		entries = append(entries, Entry{
			Path: path, Type: TypeOutcome, Count: o.Total,
			Outcomes: outcomes, LastOutcome: o.LastOutcome,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path == entries[j].Path {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Path < entries[j].Path
	})

	return Snapshot{
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Metrics:       entries,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
