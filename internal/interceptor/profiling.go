package interceptor

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/qoreforge/dbgateway/internal/driver"
)

// Profiler maintains the interceptor's rolling execution metrics:
// aggregate counters, per-operation and per-environment counts, and a
// fixed-size reservoir sample of execution times so percentiles can be
// computed without retaining every observation. Reads take a snapshot
// under the lock and compute percentiles outside the caller's hot path.
type Profiler struct {
	mu sync.Mutex

	count   int64
	success int64
	failed  int64
	blocked int64

	totalMs float64
	minMs   float64
	maxMs   float64

	byOperation   map[string]int64
	byEnvironment map[string]int64

	size   int
	seen   int
	values []float64
	rng    *rand.Rand
}

func NewProfiler(reservoirSize int) *Profiler {
	if reservoirSize <= 0 {
		reservoirSize = 500
	}
	return &Profiler{
		size:          reservoirSize,
		byOperation:   make(map[string]int64),
		byEnvironment: make(map[string]int64),
		rng:           rand.New(rand.NewSource(1)),
	}
}

// Observe records one pipeline outcome. Blocked statements count but
// contribute no latency sample, since they never reached a backend.
func (p *Profiler) Observe(operation string, env driver.Environment, ms float64, success, blocked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	p.byOperation[operation]++
	p.byEnvironment[string(env)]++

	if blocked {
		p.blocked++
		return
	}
	if success {
		p.success++
	} else {
		p.failed++
	}

	p.totalMs += ms
	if p.minMs == 0 || ms < p.minMs {
		p.minMs = ms
	}
	if ms > p.maxMs {
		p.maxMs = ms
	}

	p.seen++
	if len(p.values) < p.size {
		p.values = append(p.values, ms)
		return
	}
	j := p.rng.Intn(p.seen)
	if j < p.size {
		p.values[j] = ms
	}
}

// Snapshot computes the full metrics view from the current counters and
// reservoir contents.
func (p *Profiler) Snapshot() ProfilingMetrics {
	p.mu.Lock()
	samples := append([]float64(nil), p.values...)
	m := ProfilingMetrics{
		Count:         p.count,
		Success:       p.success,
		Failed:        p.failed,
		Blocked:       p.blocked,
		TotalMs:       p.totalMs,
		MinMs:         p.minMs,
		MaxMs:         p.maxMs,
		ByOperation:   make(map[string]int64, len(p.byOperation)),
		ByEnvironment: make(map[string]int64, len(p.byEnvironment)),
	}
	for k, v := range p.byOperation {
		m.ByOperation[k] = v
	}
	for k, v := range p.byEnvironment {
		m.ByEnvironment[k] = v
	}
	p.mu.Unlock()

	executed := m.Success + m.Failed
	if executed > 0 {
		m.MeanMs = m.TotalMs / float64(executed)
	}
	if len(samples) == 0 {
		return m
	}
	sort.Float64s(samples)
	m.P50Ms = percentile(samples, 0.50)
	m.P95Ms = percentile(samples, 0.95)
	m.P99Ms = percentile(samples, 0.99)
	return m
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
