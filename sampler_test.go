package coherence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedFeatures struct{ coherence, spike float64 }

func (f fixedFeatures) Features() (float64, float64) { return f.coherence, f.spike }

func manualClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestWindowSampler_EmptyWindow(t *testing.T) {
	w := NewWindowSampler(10, nil)
	_, err := w.Sample(context.Background())
	assert.ErrorIs(t, err, ErrEmptyWindow)
	assert.Equal(t, DefaultWindowSize, NewWindowSampler(0, nil).maxSamples)
}

func TestWindowSampler_Percentiles(t *testing.T) {
	w := NewWindowSampler(100, nil)
	for i := 1; i <= 100; i++ {
		w.Observe(time.Duration(i)*time.Millisecond, nil)
	}

	s, err := w.Sample(context.Background())
	require.NoError(t, err)

	// index = floor((n-1)·p) over the sorted window
	assert.Equal(t, 50.0, s.P50Ms)
	assert.Equal(t, 95.0, s.P95Ms)
	assert.Equal(t, 99.0, s.P99Ms)
	assert.Equal(t, 0.0, s.ErrorRate)
	assert.Nil(t, s.CorrelationSpike)
	assert.Equal(t, 99*time.Millisecond, w.Percentile(0.99))

	t.Logf("✓ p50=%.0fms p95=%.0fms p99=%.0fms", s.P50Ms, s.P95Ms, s.P99Ms)
}

func TestWindowSampler_RingBufferEvicts(t *testing.T) {
	w := NewWindowSampler(10, nil)
	for i := 0; i < 10; i++ {
		w.Observe(time.Second, nil)
	}
	for i := 0; i < 10; i++ {
		w.Observe(time.Millisecond, nil)
	}

	s, err := w.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.P99Ms, "old slow samples evicted")
	assert.Equal(t, int64(20), w.Count())
}

func TestWindowSampler_ErrorRatePerInterval(t *testing.T) {
	w := NewWindowSampler(100, nil)
	failure := errors.New("503")
	for i := 0; i < 8; i++ {
		w.Observe(time.Millisecond, nil)
	}
	w.Observe(time.Millisecond, failure)
	w.Observe(time.Millisecond, failure)

	s, err := w.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.ErrorRate, 1e-12)

	// Counters reset; the latency window does not.
	s, err = w.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.ErrorRate)
	assert.Equal(t, 1.0, s.P50Ms)
}

func TestWindowSampler_QueueSlope(t *testing.T) {
	w := NewWindowSampler(10, nil)
	now, advance := manualClock(testEpoch)
	w.now = now
	w.Observe(time.Millisecond, nil)

	w.SetQueueDepth(4)
	s, err := w.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.QueueSlope, "no slope on the first sample")
	assert.Equal(t, 4.0, s.QueueDepth)

	advance(500 * time.Millisecond)
	w.SetQueueDepth(9)
	s, err = w.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, s.QueueSlope, 1e-9, "5 items in 0.5s")

	advance(time.Second)
	w.SetQueueDepth(-3)
	s, err = w.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.QueueDepth, "depth floored at zero")
	assert.InDelta(t, -9.0, s.QueueSlope, 1e-9)
}

func TestWindowSampler_FeatureProvider(t *testing.T) {
	tests := []struct {
		name  string
		spike float64
		want  float64
	}{
		{"in range", 0.3, 0.3},
		{"clamped high", 4, 1},
		{"clamped low", -1, 0},
		{"nan", math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindowSampler(10, fixedFeatures{coherence: 0.9, spike: tt.spike})
			w.Observe(time.Millisecond, nil)

			s, err := w.Sample(context.Background())
			require.NoError(t, err)
			require.NotNil(t, s.CorrelationSpike)
			assert.Equal(t, tt.want, *s.CorrelationSpike)
		})
	}
}

func TestWindowSampler_CanceledContext(t *testing.T) {
	w := NewWindowSampler(10, nil)
	w.Observe(time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Sample(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWindowSampler_FeedsLoop(t *testing.T) {
	w := NewWindowSampler(50, nil)
	loop, err := NewLoop(w, DefaultCoherenceConfig(), DefaultCouplingParams())
	require.NoError(t, err)

	_, err = loop.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickSkipped, "empty window skips the tick")
	assert.ErrorIs(t, err, ErrEmptyWindow)

	for i := 0; i < 50; i++ {
		w.Observe(20*time.Millisecond, nil)
	}
	_, err = loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, loop.State().Margin, "first sample is the warm-up")
}
