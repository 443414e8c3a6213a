// Package perf times the stages of each recompute.
package perf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage names used by the pipeline.
const (
	StageFilter     = "filter"
	StagePrioritize = "prioritize"
	StageCluster    = "cluster"
	StageRender     = "render"
	StageRecompute  = "recompute"
	StageSend       = "send" // one websocket write, measured by the bridge
)

// StageStats aggregates the timings recorded for one stage.
type StageStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// Mean returns the average duration, or zero before the first sample.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a copy of the monitor state.
type Snapshot struct {
	Stages          map[string]StageStats `json:"stages"`
	ViewportUpdates int64                 `json:"viewportUpdates"`
	Since           time.Time             `json:"since"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMeter exports measurements through an OTel meter.
func WithMeter(m metric.Meter) Option {
	return func(mon *Monitor) {
		mon.meter = m
	}
}

// WithRegisterer exports measurements as Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(mon *Monitor) {
		mon.registerer = reg
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) {
		mon.now = now
	}
}

// Monitor records stage timings and completed viewport updates. It never
// panics on misuse and never returns errors; a timer that is never ended
// records nothing.
type Monitor struct {
	now        func() time.Time
	meter      metric.Meter
	registerer prometheus.Registerer

	mu      sync.Mutex
	stages  map[string]*StageStats
	updates int64
	since   time.Time

	// OTEL metrics
	stageDuration metric.Float64Histogram
	updateCount   metric.Int64Counter

	promDuration *prometheus.HistogramVec
	promUpdates  prometheus.Counter
}

// New creates a Monitor. Without WithMeter the global OTel meter is used,
// which is a no-op unless a provider is installed.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		now:    time.Now,
		stages: make(map[string]*StageStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.meter == nil {
		m.meter = meter()
	}
	m.since = m.now()

	// instrument errors leave the instrument nil; recording then skips it
	m.stageDuration, _ = m.meter.Float64Histogram(
		"mapcluster.stage.duration",
		metric.WithDescription("Duration of a recompute stage"),
		metric.WithUnit("ms"),
	)
	m.updateCount, _ = m.meter.Int64Counter(
		"mapcluster.viewport.updates",
		metric.WithDescription("Completed viewport recomputes"),
	)

	if m.registerer != nil {
		m.promDuration = registerOrReuse(m.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mapcluster",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a recompute stage in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"stage"}))
		m.promUpdates = registerOrReuse(m.registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapcluster",
			Subsystem: "pipeline",
			Name:      "viewport_updates_total",
			Help:      "Completed viewport recomputes",
		}))
	}
	return m
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// StartTimer starts timing stage. Calling the returned func records the
// elapsed time; calls after the first do nothing.
func (m *Monitor) StartTimer(stage string) func() {
	start := m.now()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.record(stage, m.now().Sub(start))
		})
	}
}

// Observe records a duration measured elsewhere.
func (m *Monitor) Observe(stage string, d time.Duration) {
	m.record(stage, d)
}

// RecordViewportUpdate counts one completed recompute.
func (m *Monitor) RecordViewportUpdate() {
	m.mu.Lock()
	m.updates++
	m.mu.Unlock()

	if m.updateCount != nil {
		m.updateCount.Add(context.Background(), 1)
	}
	if m.promUpdates != nil {
		m.promUpdates.Inc()
	}
}

// Snapshot returns a copy of all recorded stats.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Stages:          make(map[string]StageStats, len(m.stages)),
		ViewportUpdates: m.updates,
		Since:           m.since,
	}
	for name, st := range m.stages {
		s.Stages[name] = *st
	}
	return s
}

// Reset clears all recorded stats. Exported metrics are cumulative and are not reset.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = make(map[string]*StageStats)
	m.updates = 0
	m.since = m.now()
}

func (m *Monitor) record(stage string, d time.Duration) {
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	st, ok := m.stages[stage]
	if !ok {
		st = &StageStats{Min: d, Max: d}
		m.stages[stage] = st
	}
	st.Count++
	st.Total += d
	st.Last = d
	st.Min = min(st.Min, d)
	st.Max = max(st.Max, d)
	m.mu.Unlock()

	if m.stageDuration != nil {
		m.stageDuration.Record(context.Background(), float64(d)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("stage", stage)))
	}
	if m.promDuration != nil {
		m.promDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}
