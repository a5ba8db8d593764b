// Package metrics keeps in-process counters, gauges, hit/miss ratios,
// outcomes and timings, addressed by "topic/function" paths.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming  MetricType = "timing"
	TypeHitMiss MetricType = "hit_miss"
	TypeCounter MetricType = "counter"
	TypeGauge   MetricType = "gauge"
	TypeOutcome MetricType = "outcome"
)

type timingMetric struct {
	Count int64
	Total time.Duration
	Max   time.Duration
	Last  time.Duration
}

type hitMissMetric struct {
	Hits   int64
	Misses int64
}

type gaugeMetric struct {
	Value int64
	Min   int64
	Max   int64
}

type outcomeMetric struct {
	Outcomes    map[string]int64
	Total       int64
	LastOutcome string
}

// MetricsManager is the global metrics store
type MetricsManager struct {
	mu       sync.Mutex
	timings  map[string]*timingMetric
	hitMiss  map[string]*hitMissMetric
	counters map[string]int64
	gauges   map[string]*gaugeMetric
	outcomes map[string]*outcomeMetric
	started  time.Time
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = newManager()
	})
	return instance
}

func newManager() *MetricsManager {
	return &MetricsManager{
		timings:  make(map[string]*timingMetric),
		hitMiss:  make(map[string]*hitMissMetric),
		counters: make(map[string]int64),
		gauges:   make(map[string]*gaugeMetric),
		outcomes: make(map[string]*outcomeMetric),
		started:  time.Now(),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records one timing sample
func (m *MetricsManager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[path]
	if !ok {
		t = &timingMetric{}
		m.timings[path] = t
	}
	t.Count++
	t.Total += d
	t.Last = d
	if d > t.Max {
		t.Max = d
	}
}

// RecordHit records a cache hit
func (m *MetricsManager) RecordHit(topic, function string) {
	m.hitMissFor(topic, function, func(h *hitMissMetric) { h.Hits++ })
}

// RecordMiss records a cache miss
func (m *MetricsManager) RecordMiss(topic, function string) {
	m.hitMissFor(topic, function, func(h *hitMissMetric) { h.Misses++ })
}

func (m *MetricsManager) hitMissFor(topic, function string, fn func(*hitMissMetric)) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hitMiss[path]
	if !ok {
		h = &hitMissMetric{}
		m.hitMiss[path] = h
	}
	fn(h)
}

// AddCounter adds to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[path] += delta
}

// Counter returns the current value of a counter
func (m *MetricsManager) Counter(topic, function string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[buildPath(topic, function)]
}

// SetGauge sets a gauge value
func (m *MetricsManager) SetGauge(topic, function string, value int64) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[path]
	if !ok {
		m.gauges[path] = &gaugeMetric{Value: value, Min: value, Max: value}
		return
	}
	g.Value = value
	if value < g.Min {
		g.Min = value
	}
	if value > g.Max {
		g.Max = value
	}
}

// RecordOutcome records a specific outcome
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[path]
	if !ok {
		o = &outcomeMetric{Outcomes: make(map[string]int64)}
		m.outcomes[path] = o
	}
	o.Outcomes[outcome]++
	o.Total++
	o.LastOutcome = outcome
}

// Outcome returns how many times outcome was recorded on a path
func (m *MetricsManager) Outcome(topic, function, outcome string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[buildPath(topic, function)]; ok {
		return o.Outcomes[outcome]
	}
	return 0
}

// Reset drops every metric. Used by tests.
func (m *MetricsManager) Reset() {
	fresh := newManager()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = fresh.timings
	m.hitMiss = fresh.hitMiss
	m.counters = fresh.counters
	m.gauges = fresh.gauges
	m.outcomes = fresh.outcomes
	m.started = fresh.started
}
