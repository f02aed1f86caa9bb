package coherence

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(kind DecisionKind, h float64) TelemetryRecord {
	return TelemetryRecord{
		At:       testEpoch,
		State:    CoherenceState{Margin: 0.8, Drift: -0.01, Reserve: 0.9, Horizon: h},
		Params:   DefaultCouplingParams(),
		Decision: kind,
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	s.Record(record(DecisionHold, 10))
	s.Record(record(DecisionCoupleDown, 1))

	got := s.Records()
	require.Len(t, got, 2)
	assert.Equal(t, DecisionCoupleDown, got[1].Decision)
	assert.Equal(t, 2, s.Len())
}

func TestMultiSink_SkipsNil(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	var calls int
	m := MultiSink(a, nil, b, SinkFunc(func(TelemetryRecord) { calls++ }))

	m.Record(record(DecisionHold, 10))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, calls)
}

func TestQueuedSink_DeliversInOrder(t *testing.T) {
	mem := NewMemorySink()
	q := NewQueuedSink(mem, 64)

	for i := 0; i < 50; i++ {
		r := record(DecisionHold, float64(i))
		q.Record(r)
	}
	q.Close()

	got := mem.Records()
	require.Len(t, got, 50)
	for i, r := range got {
		assert.Equal(t, float64(i), r.State.Horizon)
	}
	assert.Equal(t, uint64(50), q.Delivered())
	assert.Equal(t, uint64(0), q.Dropped())
}

func TestQueuedSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc(func(TelemetryRecord) {
		<-release
	})
	q := NewQueuedSink(blocking, 2)

	// One record in flight, two queued, the rest dropped.
	for i := 0; i < 10; i++ {
		q.Record(record(DecisionHold, 1))
		if i == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.GreaterOrEqual(t, q.Dropped(), uint64(7))

	close(release)
	q.Close()
	assert.Equal(t, uint64(10), q.Delivered()+q.Dropped())

	q.Record(record(DecisionHold, 1))
	assert.Equal(t, uint64(10)+1, q.Delivered()+q.Dropped(), "records after Close are dropped")
}

func TestQueuedSink_SurvivesPanickingSink(t *testing.T) {
	var n int
	q := NewQueuedSink(SinkFunc(func(TelemetryRecord) {
		n++
		if n == 1 {
			panic("boom")
		}
	}), 8)

	q.Record(record(DecisionHold, 1))
	q.Record(record(DecisionHold, 2))
	q.Close()

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, uint64(1), q.Delivered())
}

func TestSlogSink_Transitions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewSlogSink(logger, 0, 1)

	s.Record(record(DecisionHold, math.Inf(1)))
	s.Record(record(DecisionCoupleDown, 1.2))
	s.Record(record(DecisionCoupleDown, 1.1))
	s.Record(record(DecisionHold, 9))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "level=WARN"))
	assert.Contains(t, out, `msg="coupling down"`)
	assert.Contains(t, out, `msg="coupling recovered"`)
	assert.Contains(t, out, "horizon=∞")
	assert.Contains(t, out, "params.batch=64")
}

func TestSlogSink_RateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewSlogSink(logger, 0.001, 3)

	for i := 0; i < 100; i++ {
		s.Record(record(DecisionHold, 10))
	}

	assert.Equal(t, 3, strings.Count(buf.String(), "coherence tick"))
	assert.Equal(t, uint64(97), s.Suppressed())

	// Transitions bypass the limiter.
	s.Record(record(DecisionCoupleDown, 1))
	assert.Contains(t, buf.String(), "coupling down")
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg, "")
	require.NoError(t, err)

	s.Record(record(DecisionCoupleDown, 2.5))
	s.Record(record(DecisionHold, math.Inf(1)))

	assert.Equal(t, 0.8, testutil.ToFloat64(s.margin))
	assert.Equal(t, -1.0, testutil.ToFloat64(s.horizon), "infinite horizon exported as -1")
	assert.Equal(t, 64.0, testutil.ToFloat64(s.params.WithLabelValues("batch_size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.decisions.WithLabelValues("COUPLE_DOWN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.decisions.WithLabelValues("HOLD")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestPrometheusSink_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg, "svc")
	require.NoError(t, err)

	_, err = NewPrometheusSink(reg, "svc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	_, err = NewPrometheusSink(reg, "other")
	assert.NoError(t, err)
}

func TestPrometheusSink_RollsBackPartialRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	blocker := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "svc",
		Name:      "horizon_seconds",
		Help:      "Squatting on the name.",
	})
	reg.MustRegister(blocker)

	_, err := NewPrometheusSink(reg, "svc")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "gauges registered before the failure are removed")

	require.True(t, reg.Unregister(blocker))
	s, err := NewPrometheusSink(reg, "svc")
	require.NoError(t, err, "retry on the same registry succeeds")
	s.Record(record(DecisionHold, 3))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.horizon))
	t.Logf("✓ Partial registration rolled back")
}

func TestSafeRecord(t *testing.T) {
	var got []TelemetryRecord
	assert.True(t, safeRecord(SinkFunc(func(r TelemetryRecord) { got = append(got, r) }), record(DecisionHold, 1)))
	assert.Len(t, got, 1)

	assert.False(t, safeRecord(SinkFunc(func(TelemetryRecord) { panic("boom") }), record(DecisionHold, 1)))
}
