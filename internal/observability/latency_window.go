package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// IntervalStats summarizes the recent samples of one latency interval.
type IntervalStats struct {
	Interval    string  `json:"interval"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type IndicatorCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is served by the perf endpoint.
type LatencySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Intervals   []IntervalStats  `json:"intervals"`
	Indicators  []IndicatorCount `json:"indicators,omitempty"`
}

// latencyWindow keeps the last maxSamples observations per interval in a ring.
type latencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	rings      map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *sampleRing) push(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *sampleRing) sorted() []float64 {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := slices.Clone(r.values[:n])
	sort.Float64s(out)
	return out
}

func newLatencyWindow(maxSamples int) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &latencyWindow{
		maxSamples: maxSamples,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(interval string, ms float64) {
	if interval == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[interval]
	if !ok {
		ring = &sampleRing{values: make([]float64, w.maxSamples)}
		w.rings[interval] = ring
	}
	ring.push(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Intervals:   make([]IntervalStats, 0, len(w.rings)),
	}
	for _, name := range sortedKeys(w.rings) {
		samples := w.rings[name].sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		snap.Intervals = append(snap.Intervals, IntervalStats{
			Interval:    name,
			Samples:     len(samples),
			LastMS:      round2(w.rings[name].last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: intervalTargetP95MS(name),
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		if count := w.indicators[name]; count > 0 {
			snap.Indicators = append(snap.Indicators, IndicatorCount{Name: name, Count: count})
		}
	}
	return snap
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*sampleRing)
	w.indicators = make(map[string]int)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func intervalTargetP95MS(interval string) float64 {
	switch interval {
	case IntervalSTT:
		return 600
	case IntervalLLM:
		return 900
	case IntervalTTSFirstChunk:
		return 250
	case IntervalEndToEnd:
		return 1400
	default:
		return 0
	}
}
