// Package monitor tracks query executions and usage.
package monitor

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// SlowThreshold flags executions that took longer than this.
const SlowThreshold = 2 * time.Second

const maxSlowEntries = 200

type QueryStats struct {
	QueryID       int64         `json:"query_id"`
	Executions    int64         `json:"executions"`
	Failures      int64         `json:"failures"`
	Slow          int64         `json:"slow"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

func (s QueryStats) AvgDuration() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Executions)
}

type SlowQuery struct {
	ExecID   string        `json:"exec_id"`
	QueryID  int64         `json:"query_id"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

type activeExec struct {
	queryID int64
	start   time.Time
}

type Monitor struct {
	mu      sync.Mutex
	active  map[string]activeExec
	stats   map[int64]*QueryStats
	slow    []SlowQuery
	now     func() time.Time
	metrics *metrics
}

type metrics struct {
	duration   *prometheus.HistogramVec
	executions *prometheus.CounterVec
	slow       prometheus.Counter
	cache      *prometheus.CounterVec
}

// NewMonitor registers its collectors on reg. A nil reg keeps them unregistered.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querybridge_query_duration_seconds",
			Help:    "Query execution duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"query_id"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querybridge_query_executions_total",
			Help: "Query executions by outcome.",
		}, []string{"query_id", "outcome"}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querybridge_slow_queries_total",
			Help: "Executions slower than the slow threshold.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querybridge_cache_events_total",
			Help: "Result cache lookups by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.executions, m.slow, m.cache)
	}
	return &Monitor{
		active:  make(map[string]activeExec),
		stats:   make(map[int64]*QueryStats),
		now:     time.Now,
		metrics: m,
	}
}

// StartQuery opens an execution and returns its id.
func (m *Monitor) StartQuery(queryID int64) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.active[id] = activeExec{queryID: queryID, start: m.now()}
	m.mu.Unlock()
	return id
}

// EndQuery closes an execution. It reports false for an unknown or already
// closed id.
func (m *Monitor) EndQuery(execID string, err error) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.active[execID]
	if !ok {
		return 0, false
	}
	delete(m.active, execID)
	end := m.now()
	d := end.Sub(exec.start)

	s := m.stats[exec.queryID]
	if s == nil {
		s = &QueryStats{QueryID: exec.queryID, MinDuration: d}
		m.stats[exec.queryID] = s
	}
	s.Executions++
	s.TotalDuration += d
	s.LastExecuted = end
	if d < s.MinDuration {
		s.MinDuration = d
	}
	if d > s.MaxDuration {
		s.MaxDuration = d
	}

	label := strconv.FormatInt(exec.queryID, 10)
	outcome := "success"
	if err != nil {
		s.Failures++
		outcome = "error"
	}
	if d > SlowThreshold {
		s.Slow++
		m.slow = append(m.slow, SlowQuery{ExecID: execID, QueryID: exec.queryID, Duration: d, At: end})
		if len(m.slow) > maxSlowEntries {
			m.slow = m.slow[len(m.slow)-maxSlowEntries:]
		}
		m.metrics.slow.Inc()
	}
	m.metrics.duration.WithLabelValues(label).Observe(d.Seconds())
	m.metrics.executions.WithLabelValues(label, outcome).Inc()
	return d, true
}

// RecordCache counts a cache hit or miss.
func (m *Monitor) RecordCache(hit bool) {
	event := "miss"
	if hit {
		event = "hit"
	}
	m.metrics.cache.WithLabelValues(event).Inc()
}

func (m *Monitor) Stats(queryID int64) (QueryStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[queryID]
	if !ok {
		return QueryStats{}, false
	}
	return *s, true
}

func (m *Monitor) AllStats() []QueryStats {
	m.mu.Lock()
	out := make([]QueryStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueryID < out[j].QueryID })
	return out
}

// SlowQueries returns the most recent slow executions, newest first.
func (m *Monitor) SlowQueries() []SlowQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SlowQuery, len(m.slow))
	for i, s := range m.slow {
		out[len(m.slow)-1-i] = s
	}
	return out
}

// Active is the number of executions started and not yet ended.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
