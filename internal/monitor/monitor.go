// Package monitor tracks per-source attempt telemetry and per-endpoint
// response time percentiles for the elevation service. Everything is
// in-process and mutex-guarded; the HTTP layer exposes Summary on an ops
// endpoint.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default thresholds: the service targets sub-100ms P95; half a second on
// any endpoint is alert-worthy.
const (
	DefaultTargetMs = 100
	DefaultAlertMs  = 500
)

// ringSize bounds the rolling window per endpoint. 256 samples is enough
// for stable P95/P99 without unbounded growth.
const ringSize = 256

// alertCheckInterval is how many observations pass between P95 alert
// evaluations, keeping the sort off the per-request path.
const alertCheckInterval = 32

// Attempt is one source attempt: exactly what the chain emits per tier.
type Attempt struct {
	SourceID  string
	Outcome   string // hit | miss | skip | retriable_err | permanent_err
	Duration  time.Duration
	BytesRead int64
	ErrorKind string
	Cost      float64
}

// SourceStats accumulates per-source counters.
type SourceStats struct {
	Attempts  int64   `json:"attempts"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Skips     int64   `json:"skips"`
	Errors    int64   `json:"errors"`
	BytesRead int64   `json:"bytes_read"`
	CostTotal float64 `json:"cost_total"`
}

type ring struct {
	samples [ringSize]float64 // milliseconds
	n       int               // total observations ever
}

func (r *ring) add(ms float64) {
	r.samples[r.n%ringSize] = ms
	r.n++
}

func (r *ring) snapshot() []float64 {
	n := r.n
	if n > ringSize {
		n = ringSize
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

// Monitor is the shared telemetry sink.
type Monitor struct {
	targetMs float64
	alertMs  float64

	mu        sync.Mutex
	endpoints map[string]*ring
	sources   map[string]*SourceStats
	requests  int64
	failures  int64
	alerts    int64
}

// New creates a monitor with the given thresholds (defaults when <= 0).
func New(targetMs, alertMs float64) *Monitor {
	if targetMs <= 0 {
		targetMs = DefaultTargetMs
	}
	if alertMs <= 0 {
		alertMs = DefaultAlertMs
	}
	return &Monitor{
		targetMs:  targetMs,
		alertMs:   alertMs,
		endpoints: make(map[string]*ring),
		sources:   make(map[string]*SourceStats),
	}
}

// Observe records one completed operation against an endpoint and fires a
// structured alert when the rolling P95 exceeds the alert threshold.
func (m *Monitor) Observe(endpoint string, d time.Duration, success bool) {
	ms := float64(d.Microseconds()) / 1000

	m.mu.Lock()
	r := m.endpoints[endpoint]
	if r == nil {
		r = &ring{}
		m.endpoints[endpoint] = r
	}
	r.add(ms)
	m.requests++
	if !success {
		m.failures++
	}

	var p95 float64
	check := r.n%alertCheckInterval == 0
	if check {
		p95 = percentile(r.snapshot(), 0.95)
	}
	if check && p95 > m.alertMs {
		m.alerts++
	}
	m.mu.Unlock()

	if check && p95 > m.alertMs {
		slog.Warn("endpoint P95 above alert threshold",
			"endpoint", endpoint,
			"p95_ms", p95,
			"target_ms", m.targetMs,
			"alert_ms", m.alertMs,
		)
	}
}

// Track wraps an operation with timing.
func (m *Monitor) Track(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Observe(endpoint, time.Since(start), err == nil)
	return err
}

// RecordAttempt accumulates one source attempt.
func (m *Monitor) RecordAttempt(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sources[a.SourceID]
	if s == nil {
		s = &SourceStats{}
		m.sources[a.SourceID] = s
	}
	s.Attempts++
	s.BytesRead += a.BytesRead
	s.CostTotal += a.Cost
	switch a.Outcome {
	case "hit":
		s.Hits++
	case "miss":
		s.Misses++
	case "skip":
		s.Skips++
	default:
		s.Errors++
	}

	slog.Debug("source attempt",
		"source_id", a.SourceID,
		"outcome", a.Outcome,
		"duration_ms", a.Duration.Milliseconds(),
		"bytes_read", a.BytesRead,
		"error_kind", a.ErrorKind,
	)
}

// Percentiles returns P50/P90/P95/P99 for an endpoint, or nil when nothing
// has been observed.
func (m *Monitor) Percentiles(endpoint string) map[string]float64 {
	m.mu.Lock()
	r := m.endpoints[endpoint]
	var samples []float64
	if r != nil {
		samples = r.snapshot()
	}
	m.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	return map[string]float64{
		"P50": percentile(samples, 0.50),
		"P90": percentile(samples, 0.90),
		"P95": percentile(samples, 0.95),
		"P99": percentile(samples, 0.99),
	}
}

// EndpointSummary is the reporting shape per endpoint.
type EndpointSummary struct {
	Count       int                `json:"count"`
	AvgMs       float64            `json:"avg_ms"`
	MinMs       float64            `json:"min_ms"`
	MaxMs       float64            `json:"max_ms"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// Summary is the full monitor report.
type Summary struct {
	TargetMs  float64                    `json:"target_ms"`
	AlertMs   float64                    `json:"alert_ms"`
	Requests  int64                      `json:"total_requests"`
	Failures  int64                      `json:"failed_requests"`
	Alerts    int64                      `json:"alerts_triggered"`
	Status    string                     `json:"status"`
	Endpoints map[string]EndpointSummary `json:"endpoints"`
	Sources   map[string]SourceStats     `json:"sources"`
}

// Summarize builds the current report.
func (m *Monitor) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Summary{
		TargetMs:  m.targetMs,
		AlertMs:   m.alertMs,
		Requests:  m.requests,
		Failures:  m.failures,
		Alerts:    m.alerts,
		Endpoints: make(map[string]EndpointSummary, len(m.endpoints)),
		Sources:   make(map[string]SourceStats, len(m.sources)),
	}

	var all []float64
	for name, r := range m.endpoints {
		samples := r.snapshot()
		if len(samples) == 0 {
			continue
		}
		all = append(all, samples...)
		sum, lo, hi := samples[0], samples[0], samples[0]
		for _, v := range samples[1:] {
			sum += v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		out.Endpoints[name] = EndpointSummary{
			Count: r.n,
			AvgMs: sum / float64(len(samples)),
			MinMs: lo,
			MaxMs: hi,
			Percentiles: map[string]float64{
				"P50": percentile(samples, 0.50),
				"P90": percentile(samples, 0.90),
				"P95": percentile(samples, 0.95),
				"P99": percentile(samples, 0.99),
			},
		}
	}
	for id, s := range m.sources {
		out.Sources[id] = *s
	}

	switch {
	case len(all) == 0:
		out.Status = "initializing"
	default:
		sum := 0.0
		for _, v := range all {
			sum += v
		}
		avg := sum / float64(len(all))
		switch {
		case avg <= m.targetMs:
			out.Status = "excellent"
		case avg <= m.alertMs:
			out.Status = "good"
		default:
			out.Status = "degraded"
		}
	}
	return out
}

// percentile returns the q-th percentile of the samples (copied, sorted,
// then the element at index floor(n*q), clamped to the last element).
func percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
