package coherence

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"
)

// ErrEmptyWindow is returned by WindowSampler.Sample before any latency was
// observed. The loop treats it as a skipped tick.
var ErrEmptyWindow = errors.New("coherence: no latency observations yet")

// DefaultWindowSize is the latency window kept by NewWindowSampler(0, ...).
const DefaultWindowSize = 1000

// WindowSampler turns raw request outcomes into FieldSamples.
//
// Latencies go into a fixed ring buffer and percentiles are computed over the
// whole window, so the tail reacts within one window of traffic:
//   - 100 samples: low-traffic services
//   - 1000 samples: the default
//   - 10000 samples: high traffic, smoother but slower to react
//
// Error rate and queue slope are measured between consecutive Sample calls.
//
// Example:
//
//	sampler := coherence.NewWindowSampler(1000, nil)
//	start := time.Now()
//	err := handle(req)
//	sampler.Observe(time.Since(start), err)
//	sampler.SetQueueDepth(float64(len(queue)))
type WindowSampler struct {
	mu         sync.Mutex
	latencies  []time.Duration
	maxSamples int
	writeIndex int
	count      int64

	requests int64 // Since the last Sample
	failures int64

	queueDepth float64
	prevDepth  float64
	prevAt     time.Time

	features FeatureProvider
	now      func() time.Time
}

// NewWindowSampler creates a sampler with a fixed latency window. features
// may be nil, in which case samples carry no correlation-spike proxy.
func NewWindowSampler(maxSamples int, features FeatureProvider) *WindowSampler {
	if maxSamples <= 0 {
		maxSamples = DefaultWindowSize
	}
	return &WindowSampler{
		latencies:  make([]time.Duration, maxSamples),
		maxSamples: maxSamples,
		features:   features,
		now:        time.Now,
	}
}

// Observe records one request: its latency and whether it failed.
func (w *WindowSampler) Observe(latency time.Duration, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.latencies[w.writeIndex] = latency
	w.writeIndex = (w.writeIndex + 1) % w.maxSamples
	w.count++

	w.requests++
	if err != nil {
		w.failures++
	}
}

// SetQueueDepth records the current backlog.
func (w *WindowSampler) SetQueueDepth(depth float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queueDepth = math.Max(0, depth)
}

// Sample implements Sampler. It resets the per-interval error counters.
func (w *WindowSampler) Sample(ctx context.Context) (FieldSample, error) {
	if err := ctx.Err(); err != nil {
		return FieldSample{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := w.sortedLocked()
	if len(sorted) == 0 {
		return FieldSample{}, ErrEmptyWindow
	}

	now := w.now()
	sample := FieldSample{
		Timestamp:  now,
		P50Ms:      toMillis(percentileOf(sorted, 0.50)),
		P95Ms:      toMillis(percentileOf(sorted, 0.95)),
		P99Ms:      toMillis(percentileOf(sorted, 0.99)),
		QueueDepth: w.queueDepth,
	}
	if w.requests > 0 {
		sample.ErrorRate = float64(w.failures) / float64(w.requests)
	}
	if !w.prevAt.IsZero() {
		if dt := now.Sub(w.prevAt).Seconds(); dt > MinDriftInterval {
			sample.QueueSlope = (w.queueDepth - w.prevDepth) / dt
		}
	}
	if w.features != nil {
		_, spike := w.features.Features()
		v := clamp01(finiteOr(spike, 0))
		sample.CorrelationSpike = &v
	}

	w.requests, w.failures = 0, 0
	w.prevDepth, w.prevAt = w.queueDepth, now
	return sample, nil
}

// Percentile returns the p-th latency percentile (0 < p < 1) of the window.
func (w *WindowSampler) Percentile(p float64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return percentileOf(w.sortedLocked(), p)
}

// Count returns how many latencies were ever observed.
func (w *WindowSampler) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *WindowSampler) sortedLocked() []time.Duration {
	n := w.maxSamples
	if w.count < int64(n) {
		n = int(w.count)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.latencies[:n])
	slices.Sort(sorted)
	return sorted
}

// percentileOf uses the nearest-rank-below index on an already sorted window.
func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	index = max(0, min(index, len(sorted)-1))
	return sorted[index]
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
