package coherence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTickSkipped is returned by Loop.Tick when the sampler fails. Params are
// left unchanged for that tick.
var ErrTickSkipped = errors.New("coherence: tick skipped")

// Sampler produces one FieldSample per tick from the live system.
type Sampler interface {
	Sample(ctx context.Context) (FieldSample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (FieldSample, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (FieldSample, error) { return f(ctx) }

// FeatureProvider supplies spectral features as bounded scalars in [0,1].
// Only spike is consumed, as the correlation-spike proxy.
type FeatureProvider interface {
	Features() (coherence, spike float64)
}

// LoopStats counts what a Loop has done since construction.
type LoopStats struct {
	Ticks       int64
	Skipped     int64
	CoupleDowns int64
	CoupleUps   int64
	Changes     int64
	LastTick    time.Time
}

// Loop is the live coherence loop: sample, estimate, adapt.
//
// Ticks are serialized by a mutex; the sample history is owned by the loop.
// The loop never applies params itself. Callers read Params() or install a
// decision hook.
type Loop struct {
	mu         sync.Mutex
	sampler    Sampler
	controller *Controller
	history    *SampleHistory
	params     CouplingParams
	state      CoherenceState
	stats      LoopStats
	opts       options
}

// NewLoop validates cfg and returns a loop starting from initial.
func NewLoop(sampler Sampler, cfg CoherenceConfig, initial CouplingParams, opts ...Option) (*Loop, error) {
	if sampler == nil {
		return nil, fmt.Errorf("%w: nil sampler", ErrInvalidConfig)
	}
	controller, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &Loop{
		sampler:    sampler,
		controller: controller,
		history:    NewSampleHistory(o.historyCapacity),
		params:     controller.bound(controller.sanitize(initial)),
		state:      NeutralState(),
		opts:       o,
	}, nil
}

// Tick runs one iteration. A sampler error yields ErrTickSkipped wrapping
// the cause; the previous params and state are kept.
func (l *Loop) Tick(ctx context.Context) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.stats.LastTick = now

	sample, err := l.sampler.Sample(ctx)
	if err != nil {
		l.stats.Skipped++
		l.record(TelemetryRecord{At: now, State: l.state, Params: l.params, Note: "skipped: " + err.Error()})
		return Decision{Kind: DecisionHold, Prior: l.params, Proposed: l.params, Damped: l.params, Next: l.params},
			fmt.Errorf("%w: %w", ErrTickSkipped, err)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}

	l.history.Push(sample)
	l.state = l.opts.estimator.Estimate(l.history)

	d := l.controller.Decide(l.state, l.params)
	l.params = d.Next

	l.stats.Ticks++
	switch d.Kind {
	case DecisionCoupleDown:
		l.stats.CoupleDowns++
	case DecisionCoupleUp:
		l.stats.CoupleUps++
	}
	if d.Changed() {
		l.stats.Changes++
	}

	l.record(TelemetryRecord{At: sample.Timestamp, State: l.state, Params: l.params, Decision: d.Kind, Sample: &sample})
	return d, nil
}

// Run ticks every interval until ctx is done, then returns ctx.Err().
// Skipped ticks are logged and the loop keeps going.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: loop interval %v must be > 0", ErrInvalidConfig, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.opts.logger.Info("coherence loop started", "interval", interval, "params", l.Params().String())
	defer l.opts.logger.Info("coherence loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d, err := l.Tick(ctx)
			if err != nil {
				l.opts.logger.Warn("coherence tick skipped", "error", err)
				continue
			}
			if d.Kind == DecisionCoupleDown {
				l.opts.logger.Debug("coherence decision", "reason", d.Reason)
			}
			if l.opts.onDecision != nil {
				l.opts.onDecision(d)
			}
		}
	}
}

// Params returns the current coupling parameters.
func (l *Loop) Params() CouplingParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params
}

// State returns the latest estimate, NeutralState before the first tick.
func (l *Loop) State() CoherenceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// History exposes the sample window for inspection.
func (l *Loop) History() *SampleHistory {
	return l.history
}

func (l *Loop) record(r TelemetryRecord) {
	if l.opts.sink != nil && !safeRecord(l.opts.sink, r) {
		l.opts.logger.Warn("telemetry sink panicked", "decision", string(r.Decision))
	}
}
