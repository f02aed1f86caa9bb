package coherence

import "math"

// Estimator sensitivity constants. They are heuristics carried over for
// behavioral parity, not calibrated against any particular workload.
const (
	DefaultTailSensitivity  = 0.02 // k1, per millisecond of p99-p50 spread
	DefaultErrorSensitivity = 4.0  // k2, per unit of error rate
	DefaultMinReserveFloor  = 0.2  // lower bound on the reserve factor in H
	DefaultReserveHeatGain  = 2.0

	// MinDriftInterval floors dt so repeated timestamps never divide by zero.
	MinDriftInterval = 1e-6
)

// Estimator turns a bounded sample history into a CoherenceState.
// Implementations must be total: no input may panic or yield NaN for M, V, R.
type Estimator interface {
	Estimate(h *SampleHistory) CoherenceState
}

// MarginEstimator is the reference Estimator.
//
// Margin falls smoothly with tail spread and error rate:
//
//	M = 1 / (1 + k1·max(0, p99-p50) + k2·err)
//
// Drift is the finite difference of M between the two newest samples, with
// M_prev recomputed from the previous sample rather than cached. Reserve
// shrinks with queue growth and correlation spikes:
//
//	R = 1 / (1 + 2·(max(0, slope) + spike))
//
// Horizon is M/|V| scaled by max(R, MinReserveFloor) while V < 0.
type MarginEstimator struct {
	TailSensitivity  float64
	ErrorSensitivity float64
	MinReserveFloor  float64
}

// NewMarginEstimator returns the estimator with its default constants.
func NewMarginEstimator() MarginEstimator {
	return MarginEstimator{
		TailSensitivity:  DefaultTailSensitivity,
		ErrorSensitivity: DefaultErrorSensitivity,
		MinReserveFloor:  DefaultMinReserveFloor,
	}
}

// Estimate implements Estimator. Fewer than two samples yields NeutralState.
func (e MarginEstimator) Estimate(h *SampleHistory) CoherenceState {
	if h == nil {
		return NeutralState()
	}
	pair := h.Tail(2)
	if len(pair) < 2 {
		return NeutralState()
	}
	return e.EstimatePair(pair[0], pair[1])
}

// EstimatePair computes the state from the previous and current sample.
func (e MarginEstimator) EstimatePair(prev, cur FieldSample) CoherenceState {
	margin := e.Margin(cur)
	prevMargin := e.Margin(prev)

	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if !(dt > MinDriftInterval) {
		dt = MinDriftInterval
	}
	drift := (margin - prevMargin) / dt

	reserve := Reserve(cur)

	return CoherenceState{
		Margin:  margin,
		Drift:   drift,
		Reserve: reserve,
		Horizon: e.Horizon(margin, drift, reserve),
	}
}

// Margin maps a single sample to [0,1].
func (e MarginEstimator) Margin(s FieldSample) float64 {
	tail := math.Max(0, finiteOr(s.P99Ms, 0)-finiteOr(s.P50Ms, 0))
	errRate := math.Max(0, finiteOr(s.ErrorRate, 0))
	return clamp01(1 / (1 + e.TailSensitivity*tail + e.ErrorSensitivity*errRate))
}

// Horizon predicts seconds until margin reaches zero at the current drift.
func (e MarginEstimator) Horizon(margin, drift, reserve float64) float64 {
	if drift >= 0 {
		return math.Inf(1)
	}
	return (margin / math.Abs(drift)) * math.Max(reserve, e.MinReserveFloor)
}

// Reserve maps queue growth and correlation spikes to [0,1].
func Reserve(s FieldSample) float64 {
	heat := math.Max(0, finiteOr(s.QueueSlope, 0)) + math.Max(0, s.spike())
	return clamp01(1 / (1 + DefaultReserveHeatGain*heat))
}
