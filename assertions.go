package coherence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
)

// rateLimitSlack absorbs float rounding in prev±MaxDelta.
const rateLimitSlack = 1e-9

// AssertionConfig contains thresholds for stability properties of a run.
type AssertionConfig struct {
	// Maximum sign reversals of batch/concurrency deltas
	MaxRingingEvents int

	// Maximum |param - initial| over the run
	MaxOvershoot float64

	// Maximum settling time after the last disturbance
	MaxTimeToStabilizeMs int64

	// Maximum parameter changes per simulated minute
	MaxChangesPerMinute float64
}

// DefaultAssertionConfig returns conservative thresholds.
func DefaultAssertionConfig() AssertionConfig {
	return AssertionConfig{
		MaxRingingEvents:     8,
		MaxOvershoot:         64,
		MaxTimeToStabilizeMs: 10_000,
		MaxChangesPerMinute:  300,
	}
}

// AssertBounded verifies every traced parameter stays inside its bounds.
//
// Property:
//
//	Floor ≤ p(t) ≤ Ceiling for every tick t and every parameter p
func AssertBounded(t *testing.T, cfg CoherenceConfig, entries []TraceEntry) {
	t.Helper()

	violations := 0
	for _, e := range entries {
		for _, c := range paramChecks(cfg, e.Params) {
			if c.value < c.bounds.Floor || c.value > c.bounds.Ceiling {
				violations++
				if violations <= 5 {
					t.Errorf("t=%dms: %s = %g outside [%g, %g]",
						e.AtMs, c.name, c.value, c.bounds.Floor, c.bounds.Ceiling)
				}
			}
		}
	}
	if violations > 5 {
		t.Errorf("... and %d more bound violations", violations-5)
	}
	if violations == 0 {
		t.Logf("✓ Bounded: %d ticks inside the safe envelope", len(entries))
	}
}

// AssertRateLimited verifies no parameter moves more than MaxDelta per tick.
// initial is the params before the first tick.
//
// Property:
//
//	|p(t) - p(t-1)| ≤ MaxDelta for every tick
func AssertRateLimited(t *testing.T, cfg CoherenceConfig, initial CouplingParams, entries []TraceEntry) {
	t.Helper()

	prev := initial
	violations := 0
	for _, e := range entries {
		prevChecks := paramChecks(cfg, prev)
		for i, c := range paramChecks(cfg, e.Params) {
			delta := math.Abs(c.value - prevChecks[i].value)
			if delta > c.bounds.MaxDelta+rateLimitSlack {
				violations++
				t.Errorf("t=%dms: %s moved %g (max %g)", e.AtMs, c.name, delta, c.bounds.MaxDelta)
			}
		}
		prev = e.Params
	}
	if violations == 0 {
		t.Logf("✓ Rate limited: no step exceeded MaxDelta over %d ticks", len(entries))
	}
}

// AssertStable verifies the run settled without excessive ringing.
func AssertStable(t *testing.T, result *SimulationResult, cfg AssertionConfig) {
	t.Helper()

	s := result.Summary
	if !s.Stabilized() {
		t.Errorf("Run %s never stabilized (seed %d)", s.RunID, s.Seed)
	} else if *s.TimeToStabilizeMs > cfg.MaxTimeToStabilizeMs {
		t.Errorf("Slow settling: %dms (max %dms)", *s.TimeToStabilizeMs, cfg.MaxTimeToStabilizeMs)
	}

	if s.RingingEvents > cfg.MaxRingingEvents {
		t.Errorf("Ringing: %d sign reversals (max %d), by param %+v",
			s.RingingEvents, cfg.MaxRingingEvents, s.RingingByParam)
	}
	if s.OvershootMax > cfg.MaxOvershoot {
		t.Errorf("Overshoot: %g (max %g)", s.OvershootMax, cfg.MaxOvershoot)
	}
	if s.CouplingChangesPerMinute > cfg.MaxChangesPerMinute {
		t.Errorf("Thrashing: %.1f changes/min (max %.1f)", s.CouplingChangesPerMinute, cfg.MaxChangesPerMinute)
	}

	t.Logf("✓ Stability: tts=%s ringing=%d overshoot=%g changes/min=%.1f",
		formatOptionalMs(s.TimeToStabilizeMs), s.RingingEvents, s.OvershootMax, s.CouplingChangesPerMinute)
}

// AssertSingleCollapse verifies the collapse latch: at most one collapse
// entry, at the instant the summary reports.
func AssertSingleCollapse(t *testing.T, result *SimulationResult) {
	t.Helper()

	var collapses []DiaryEntry
	for _, e := range result.Failures {
		if e.Reason == ReasonCollapse {
			collapses = append(collapses, e)
		}
	}

	switch {
	case len(collapses) > 1:
		t.Errorf("Collapse latch broken: %d collapse entries", len(collapses))
	case len(collapses) == 1 && result.Summary.CollapseAtMs == nil:
		t.Errorf("Collapse entry at %dms but summary has no collapse", collapses[0].AtMs)
	case len(collapses) == 0 && result.Summary.CollapseAtMs != nil:
		t.Errorf("Summary collapse at %dms but no diary entry", *result.Summary.CollapseAtMs)
	case len(collapses) == 1 && collapses[0].AtMs != *result.Summary.CollapseAtMs:
		t.Errorf("Collapse entry at %dms, summary says %dms", collapses[0].AtMs, *result.Summary.CollapseAtMs)
	default:
		t.Logf("✓ Collapse latch: %d entry", len(collapses))
	}
}

// AssertDeterministic runs cfg twice and verifies the JSON encodings of both
// results are byte-identical.
func AssertDeterministic(t *testing.T, cfg SimulationConfig, opts ...Option) []byte {
	t.Helper()

	encode := func() []byte {
		res, err := RunSimulation(context.Background(), cfg, opts...)
		if err != nil {
			t.Fatalf("Simulation failed: %v", err)
		}
		raw, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("Failed to encode result: %v", err)
		}
		return raw
	}

	first, second := encode(), encode()
	if !bytes.Equal(first, second) {
		t.Fatalf("Nondeterministic run: seed %d produced %d and %d bytes that differ",
			cfg.Seed, len(first), len(second))
	}
	t.Logf("✓ Deterministic: seed %d, %d identical bytes", cfg.Seed, len(first))
	return first
}

type paramCheck struct {
	name   string
	value  float64
	bounds Bounds
}

func paramChecks(cfg CoherenceConfig, p CouplingParams) [4]paramCheck {
	return [4]paramCheck{
		{"batchSize", p.BatchSize, cfg.BatchSize},
		{"concurrency", p.Concurrency, cfg.Concurrency},
		{"redundancy", p.Redundancy, cfg.Redundancy},
		{"paceMs", p.PaceMs, cfg.PaceMs},
	}
}

func formatOptionalMs(v *int64) string {
	if v == nil {
		return "never"
	}
	return fmt.Sprintf("%dms", *v)
}
