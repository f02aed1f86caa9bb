package coherence

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// simEpoch anchors synthetic timestamps so traces do not depend on wall time.
var simEpoch = time.UnixMilli(0).UTC()

// runNamespace derives run IDs from the config, keeping them reproducible.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(instrumentationName+"/simulation"))

// TraceEntry is the per-tick record of a simulation run.
type TraceEntry struct {
	AtMs   int64          `json:"t"`
	State  CoherenceState `json:"state"`
	Params CouplingParams `json:"params"`
}

// RingingCounts holds per-parameter sign reversals.
type RingingCounts struct {
	BatchSize   int `json:"batchSize"`
	Concurrency int `json:"concurrency"`
}

// StabilitySummary is the post-run scorecard.
type StabilitySummary struct {
	RunID string `json:"runId"`
	Seed  uint32 `json:"seed"`
	Steps int    `json:"steps"`

	TimeToStabilizeMs        *int64        `json:"timeToStabilizeMs,omitempty"`
	OvershootMax             float64       `json:"overshootMax"`
	RingingEvents            int           `json:"ringingEvents"`
	RingingByParam           RingingCounts `json:"ringingByParam"`
	CouplingChanges          int           `json:"couplingChanges"`
	CouplingChangesPerMinute float64       `json:"couplingChangesPerMinute"`
	CoupleDownSteps          int           `json:"coupleDownSteps"`
	LastPredictionMs         *float64      `json:"lastPredictionMs,omitempty"`
	HorizonPredictionErrorMs *float64      `json:"horizonPredictionErrorMs,omitempty"`
	CollapseAtMs             *int64        `json:"collapseAtMs,omitempty"`
}

// Stabilized reports whether the run reached a stable window.
func (s StabilitySummary) Stabilized() bool {
	return s.TimeToStabilizeMs != nil
}

// Collapsed reports whether margin crossed the collapse threshold.
func (s StabilitySummary) Collapsed() bool {
	return s.CollapseAtMs != nil
}

// SimulationResult is everything a run produces.
type SimulationResult struct {
	Summary  StabilitySummary `json:"summary"`
	Trace    []TraceEntry     `json:"trace"`
	Failures []DiaryEntry     `json:"failures"`
}

// RunSimulation drives the estimator and controller over the configured
// timeline with a seeded synthetic field. Identical configs produce
// byte-identical results.
//
// ctx is checked between ticks; cancellation aborts the run with ctx.Err().
func RunSimulation(ctx context.Context, cfg SimulationConfig, opts ...Option) (*SimulationResult, error) {
	o := applyOptions(opts)

	ctx, span := o.tracer().Start(ctx, "coherence.RunSimulation",
		trace.WithAttributes(
			attribute.Int64("coherence.seed", int64(cfg.Seed)),
			attribute.Int64("coherence.duration_ms", cfg.DurationMs),
			attribute.Int64("coherence.step_ms", cfg.StepMs),
			attribute.Int("coherence.events", len(cfg.Events)),
		))
	defer span.End()

	result, err := runSimulation(ctx, cfg, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if o.runStore != nil {
		if _, err := o.runStore.Create(result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.String("coherence.run_id", result.Summary.RunID),
		attribute.Bool("coherence.collapsed", result.Summary.Collapsed()),
		attribute.Bool("coherence.stabilized", result.Summary.Stabilized()),
		attribute.Int("coherence.ringing_events", result.Summary.RingingEvents),
	)
	return result, nil
}

func runSimulation(ctx context.Context, cfg SimulationConfig, o options) (*SimulationResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	controller, err := NewController(cfg.Controller)
	if err != nil {
		return nil, err
	}
	runID, err := RunIDFor(cfg)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("simulation starting",
		"run_id", runID,
		"seed", cfg.Seed,
		"duration_ms", cfg.DurationMs,
		"step_ms", cfg.StepMs,
		"events", len(cfg.Events))

	field := newSyntheticField(cfg)
	history := NewSampleHistory(cfg.HistoryCapacity)
	tracker := newStabilityTracker(cfg)
	params := cfg.InitialParams

	steps := cfg.StepCount()
	entries := make([]TraceEntry, 0, steps)
	var diary FailureDiary
	var lastT int64

	for i := range steps {
		t := int64(i) * cfg.StepMs
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("simulation aborted at t=%dms: %w", t, err)
		}

		sample := field.next(t)
		history.Push(sample)
		state := o.estimator.Estimate(history)

		tracker.observeState(t, state, &diary)

		decision := controller.Decide(state, params)
		tracker.observeDecision(decision)
		params = decision.Next

		if o.sink != nil && !safeRecord(o.sink, TelemetryRecord{
			At:       sample.Timestamp,
			State:    state,
			Params:   params,
			Decision: decision.Kind,
			Sample:   &sample,
		}) {
			o.logger.Warn("telemetry sink panicked", "run_id", runID, "t_ms", t)
		}

		entries = append(entries, TraceEntry{AtMs: t, State: state, Params: params})
		lastT = t
	}

	summary := tracker.summary(runID, len(entries))
	if !summary.Stabilized() {
		diary.Append(lastT, ReasonUnstable,
			fmt.Sprintf("no %d-step stable window after t=%dms", cfg.StableWindowSteps, cfg.LastEventEndMs()))
	}

	o.logger.Info("simulation finished",
		"run_id", runID,
		"steps", summary.Steps,
		"collapsed", summary.Collapsed(),
		"stabilized", summary.Stabilized(),
		"ringing", summary.RingingEvents,
		"overshoot", summary.OvershootMax)

	return &SimulationResult{
		Summary:  summary,
		Trace:    entries,
		Failures: diary.Entries(),
	}, nil
}

// RunIDFor derives the deterministic run ID of a config.
func RunIDFor(cfg SimulationConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode simulation config: %w", err)
	}
	return uuid.NewSHA1(runNamespace, raw).String(), nil
}

// syntheticField is the seeded stand-in for a live Sampler.
type syntheticField struct {
	cfg        SimulationConfig
	rng        *LCG
	queueDepth float64 // Integrator, never reset between steps
	prevT      int64
	started    bool
}

func newSyntheticField(cfg SimulationConfig) *syntheticField {
	return &syntheticField{cfg: cfg, rng: NewLCG(cfg.Seed)}
}

// next synthesizes the sample at t. Active events add their magnitude as is,
// and the generator is drawn exactly once per step for the p50 noise.
func (f *syntheticField) next(tMs int64) FieldSample {
	cfg := f.cfg

	jitterScale := 1.0
	var errBoost, spike, slopeBoost float64
	var congested, crosstalk bool
	for _, ev := range cfg.Events {
		if !ev.ActiveAt(tMs) {
			continue
		}
		switch ev.Kind {
		case EventJitter:
			jitterScale += ev.Magnitude
		case EventCrosstalk:
			errBoost += ev.Magnitude
			spike += ev.Magnitude
			crosstalk = true
		case EventCongestion:
			slopeBoost += ev.Magnitude
			congested = true
		}
	}

	noise := f.rng.NextSigned(cfg.NoiseMs * jitterScale)
	p50 := math.Max(0, cfg.BaseLatencyMs+noise)
	jitter := cfg.BaseJitterMs * jitterScale

	slope := -cfg.QueueDrainPerSec
	if congested {
		slope = slopeBoost
	}
	if f.started {
		dt := float64(tMs-f.prevT) / 1000
		f.queueDepth = math.Max(0, f.queueDepth+slope*dt)
	}
	f.prevT, f.started = tMs, true

	sample := FieldSample{
		Timestamp:  simEpoch.Add(time.Duration(tMs) * time.Millisecond),
		P50Ms:      p50,
		P95Ms:      p50 + 1.8*jitter,
		P99Ms:      p50 + 3.0*jitter,
		ErrorRate:  clamp01(cfg.BaseErrorRate + errBoost),
		QueueDepth: f.queueDepth,
		QueueSlope: slope,
	}
	if crosstalk {
		v := clamp01(spike)
		sample.CorrelationSpike = &v
	}
	return sample
}

// stabilityTracker accumulates the run metrics tick by tick.
type stabilityTracker struct {
	seed           uint32
	horizonMin     float64
	collapseMargin float64
	stableWindow   int
	lastEventEnd   int64
	durationMs     int64
	baseline       CouplingParams

	prevDelta       CouplingParams
	ringing         RingingCounts
	changes         int
	coupleDowns     int
	overshoot       float64
	streak          int
	timeToStabilize *int64
	collapseAt      *int64 // Set once; later breaches are ignored
	lastPrediction  *float64
}

func newStabilityTracker(cfg SimulationConfig) *stabilityTracker {
	return &stabilityTracker{
		seed:           cfg.Seed,
		horizonMin:     cfg.Controller.HorizonMin,
		collapseMargin: cfg.CollapseMargin,
		stableWindow:   cfg.StableWindowSteps,
		lastEventEnd:   cfg.LastEventEndMs(),
		durationMs:     cfg.DurationMs,
		baseline:       cfg.InitialParams,
	}
}

// observeState handles the collapse latch, horizon predictions and the
// stable-window search for one tick.
func (s *stabilityTracker) observeState(tMs int64, state CoherenceState, diary *FailureDiary) {
	if s.collapseAt == nil && state.Margin < s.collapseMargin {
		at := tMs
		s.collapseAt = &at
		diary.Append(tMs, ReasonCollapse,
			fmt.Sprintf("margin=%.4f threshold=%.4f", state.Margin, s.collapseMargin))
	}

	if state.Drift < 0 {
		predicted := float64(tMs) + state.Horizon*1000
		s.lastPrediction = &predicted
	}

	if s.timeToStabilize != nil || tMs < s.lastEventEnd {
		return
	}
	if state.Horizon >= s.horizonMin && state.Drift >= 0 {
		s.streak++
		if s.streak >= s.stableWindow {
			elapsed := tMs - s.lastEventEnd
			s.timeToStabilize = &elapsed
		}
		return
	}
	s.streak = 0
}

// observeDecision tracks ringing, coupling changes and overshoot.
func (s *stabilityTracker) observeDecision(d Decision) {
	delta := d.Next.Sub(d.Prior)

	if reversed(s.prevDelta.BatchSize, delta.BatchSize) {
		s.ringing.BatchSize++
	}
	if reversed(s.prevDelta.Concurrency, delta.Concurrency) {
		s.ringing.Concurrency++
	}
	s.prevDelta = delta

	if d.Changed() {
		s.changes++
	}
	if d.Kind == DecisionCoupleDown {
		s.coupleDowns++
	}

	s.overshoot = math.Max(s.overshoot, math.Abs(d.Next.BatchSize-s.baseline.BatchSize))
	s.overshoot = math.Max(s.overshoot, math.Abs(d.Next.Concurrency-s.baseline.Concurrency))
}

func reversed(prev, cur float64) bool {
	return (prev > 0 && cur < 0) || (prev < 0 && cur > 0)
}

func (s *stabilityTracker) summary(runID string, steps int) StabilitySummary {
	sum := StabilitySummary{
		RunID:             runID,
		Seed:              s.seed,
		Steps:             steps,
		TimeToStabilizeMs: s.timeToStabilize,
		OvershootMax:      s.overshoot,
		RingingEvents:     s.ringing.BatchSize + s.ringing.Concurrency,
		RingingByParam:    s.ringing,
		CouplingChanges:   s.changes,
		CoupleDownSteps:   s.coupleDowns,
		LastPredictionMs:  s.lastPrediction,
		CollapseAtMs:      s.collapseAt,
	}
	if minutes := float64(s.durationMs) / 60_000; minutes > 0 {
		sum.CouplingChangesPerMinute = float64(s.changes) / minutes
	}
	if s.lastPrediction != nil && s.collapseAt != nil {
		e := math.Abs(*s.lastPrediction - float64(*s.collapseAt))
		sum.HorizonPredictionErrorMs = &e
	}
	return sum
}

// Diary rebuilds the failure diary of a finished run.
func (r *SimulationResult) Diary() *FailureDiary {
	d := &FailureDiary{}
	for _, e := range r.Failures {
		d.Append(e.AtMs, e.Reason, e.Note)
	}
	return d
}
