package storageServer

import (
	"math"
	"sort"
	"sync"
	"time"
)

const latencySamples = 1000

// Percentiles reported per operation. A percentile is only reported once
// there are enough samples to resolve it.
var Percentiles = []float64{0.01, 0.10, 0.50, 0.90, 0.95, 0.99, 0.999}

type LatencySummary struct {
	Samples     int
	Mean        time.Duration
	Percentiles map[float64]time.Duration
}

type latencyRing struct {
	samples []time.Duration
	next    int
}

type latencyStats struct {
	mu    sync.Mutex
	rings map[string]*latencyRing
}

func newLatencyStats() *latencyStats {
	return &latencyStats{rings: make(map[string]*latencyRing)}
}

// record is used as `defer stats.record(name, time.Now())`.
func (l *latencyStats) record(name string, start time.Time) {
	l.add(name, time.Since(start))
}

func (l *latencyStats) add(name string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rings[name]
	if r == nil {
		r = &latencyRing{}
		l.rings[name] = r
	}
	if len(r.samples) < latencySamples {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencySamples
}

func minSamplesFor(p float64) int {
	return int(math.Ceil(1 / math.Min(p, 1-p)))
}

func (l *latencyStats) summaries() map[string]LatencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LatencySummary, len(l.rings))
	for name, r := range l.rings {
		sorted := append([]time.Duration(nil), r.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		sum := LatencySummary{
			Samples:     len(sorted),
			Percentiles: make(map[float64]time.Duration),
		}
		if len(sorted) > 0 {
			sum.Mean = total / time.Duration(len(sorted))
		}
		for _, p := range Percentiles {
			if len(sorted) < minSamplesFor(p) {
				continue
			}
			sum.Percentiles[p] = sorted[int(p*float64(len(sorted)))]
		}
		out[name] = sum
	}
	return out
}
