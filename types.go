package coherence

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FieldSample is one timestamped telemetry observation of the live system.
// Latencies are in milliseconds, ErrorRate is a fraction in [0,1],
// QueueSlope is depth units per second.
type FieldSample struct {
	Timestamp  time.Time `json:"timestamp"`
	P50Ms      float64   `json:"p50Ms"`
	P95Ms      float64   `json:"p95Ms"`
	P99Ms      float64   `json:"p99Ms"`
	ErrorRate  float64   `json:"errorRate"`
	QueueDepth float64   `json:"queueDepth"`
	QueueSlope float64   `json:"queueSlope"`

	// CorrelationSpike is an optional [0,1] proxy supplied by a spectral
	// feature provider. Nil means "no spike signal".
	CorrelationSpike *float64 `json:"correlationSpike,omitempty"`
}

// spike returns the correlation-spike proxy, 0 when absent.
func (s FieldSample) spike() float64 {
	if s.CorrelationSpike == nil {
		return 0
	}
	return finiteOr(*s.CorrelationSpike, 0)
}

// CouplingParams are the tunable knobs traded against safety margin.
// All four are numeric; BatchSize and Concurrency hold whole numbers in practice.
type CouplingParams struct {
	BatchSize   float64 `json:"batchSize" yaml:"batchSize" validate:"finite"`
	Concurrency float64 `json:"concurrency" yaml:"concurrency" validate:"finite"`
	Redundancy  float64 `json:"redundancy" yaml:"redundancy" validate:"finite"`
	PaceMs      float64 `json:"paceMs" yaml:"paceMs" validate:"finite"`
}

// Sub returns the per-parameter difference p - o.
func (p CouplingParams) Sub(o CouplingParams) CouplingParams {
	return CouplingParams{
		BatchSize:   p.BatchSize - o.BatchSize,
		Concurrency: p.Concurrency - o.Concurrency,
		Redundancy:  p.Redundancy - o.Redundancy,
		PaceMs:      p.PaceMs - o.PaceMs,
	}
}

// IsZero reports whether every parameter is exactly zero.
func (p CouplingParams) IsZero() bool {
	return p == CouplingParams{}
}

func (p CouplingParams) String() string {
	return fmt.Sprintf("batch=%g conc=%g redundancy=%.2f pace=%.1fms",
		p.BatchSize, p.Concurrency, p.Redundancy, p.PaceMs)
}

// CoherenceState is the per-tick estimate derived from the sample history.
//
//   - Margin (M):  remaining safe headroom, [0,1]
//   - Drift (V):   dM/dt per second, negative when margin erodes
//   - Reserve (R): correction capacity, [0,1]
//   - Horizon (H): seconds until M reaches zero, +Inf when V ≥ 0
type CoherenceState struct {
	Margin  float64
	Drift   float64
	Reserve float64
	Horizon float64
}

// NeutralState is the warm-up estimate returned before two samples exist.
func NeutralState() CoherenceState {
	return CoherenceState{Margin: 1, Drift: 0, Reserve: 1, Horizon: math.Inf(1)}
}

// Eroding reports whether margin is currently shrinking.
func (s CoherenceState) Eroding() bool {
	return s.Drift < 0
}

type coherenceStateJSON struct {
	Margin  float64  `json:"margin"`
	Drift   float64  `json:"drift"`
	Reserve float64  `json:"reserve"`
	Horizon *float64 `json:"horizon"`
}

// MarshalJSON encodes an infinite horizon as null; JSON has no Infinity.
func (s CoherenceState) MarshalJSON() ([]byte, error) {
	out := coherenceStateJSON{Margin: s.Margin, Drift: s.Drift, Reserve: s.Reserve}
	if !math.IsInf(s.Horizon, 1) {
		h := s.Horizon
		out.Horizon = &h
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *CoherenceState) UnmarshalJSON(data []byte) error {
	var in coherenceStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Margin, s.Drift, s.Reserve = in.Margin, in.Drift, in.Reserve
	s.Horizon = math.Inf(1)
	if in.Horizon != nil {
		s.Horizon = *in.Horizon
	}
	return nil
}

func clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}

func clamp01(value float64) float64 {
	return clamp(value, 0, 1)
}

// finiteOr returns v, or fallback when v is NaN or infinite.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
