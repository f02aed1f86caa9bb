package coherence

import (
	"fmt"
	"math"
)

// Controller adapts CouplingParams from a CoherenceState.
//
// Control law, applied on every call:
//   - Decide: H < HorizonMin → couple-down (halve batch and concurrency,
//     add redundancy and pacing); otherwise hold, or relax toward the
//     nominal point when a RelaxPolicy is configured and the system is calm
//   - Damp: clamp each proposed delta to ±MaxDelta (anti-ringing)
//   - Bound: clamp each value into [Floor, Ceiling] (hard safety rail)
//
// A Controller is immutable after construction and safe to share. Adapt is a
// pure function of (state, params) and the config.
type Controller struct {
	cfg CoherenceConfig
}

// DecisionKind names the branch taken by the controller.
type DecisionKind string

const (
	DecisionHold       DecisionKind = "HOLD"        // Horizon safe, no forced change
	DecisionCoupleDown DecisionKind = "COUPLE_DOWN" // Horizon below threshold
	DecisionCoupleUp   DecisionKind = "COUPLE_UP"   // Calm and healthy, relax toward nominal
)

// Decision is the full record of one adaptation step.
type Decision struct {
	Kind     DecisionKind
	Reason   string
	Prior    CouplingParams // Input params
	Proposed CouplingParams // Before damping
	Damped   CouplingParams // After rate limiting
	Next     CouplingParams // After bounding (the result)
}

// Changed reports whether any parameter moved.
func (d Decision) Changed() bool {
	return d.Next != d.Prior
}

// NewController validates cfg and returns a controller. Invalid bounds are
// rejected here so no tick ever runs against them.
func NewController(cfg CoherenceConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg}, nil
}

// MustNewController is like NewController but panics on invalid config.
// Use for package-level defaults that are known to be valid.
func MustNewController(cfg CoherenceConfig) *Controller {
	c, err := NewController(cfg)
	if err != nil {
		panic(fmt.Sprintf("coherence: %v", err))
	}
	return c
}

// Config returns a copy of the controller configuration.
func (c *Controller) Config() CoherenceConfig {
	return c.cfg
}

// Adapt returns the next coupling parameters.
func (c *Controller) Adapt(state CoherenceState, params CouplingParams) CouplingParams {
	return c.Decide(state, params).Next
}

// Decide runs the control law and returns every intermediate stage.
func (c *Controller) Decide(state CoherenceState, params CouplingParams) Decision {
	prior := c.sanitize(params)
	d := Decision{Prior: prior}

	switch {
	case state.Horizon < c.cfg.HorizonMin:
		d.Kind = DecisionCoupleDown
		d.Proposed = c.coupleDown(prior)
		d.Reason = fmt.Sprintf(
			"COUPLE_DOWN: horizon %.3fs < %.3fs\n"+
				"  Margin: %.4f  Drift: %.5f/s  Reserve: %.4f\n"+
				"  Halving batch/concurrency, adding redundancy and pacing",
			state.Horizon, c.cfg.HorizonMin, state.Margin, state.Drift, state.Reserve,
		)

	case c.shouldRelax(state):
		d.Kind = DecisionCoupleUp
		d.Proposed = c.cfg.Relax.Nominal
		d.Reason = fmt.Sprintf(
			"COUPLE_UP: margin %.4f ≥ %.2f, |drift| %.5f ≤ %.3f\n"+
				"  Relaxing toward nominal %s",
			state.Margin, c.cfg.Relax.MarginTarget,
			math.Abs(state.Drift), c.cfg.Relax.DriftStable,
			c.cfg.Relax.Nominal,
		)

	default:
		d.Kind = DecisionHold
		d.Proposed = prior
		d.Reason = fmt.Sprintf("HOLD: horizon %s ≥ %.3fs", formatHorizon(state.Horizon), c.cfg.HorizonMin)
	}

	d.Damped = c.damp(prior, d.Proposed)
	d.Next = c.bound(d.Damped)
	return d
}

// coupleDown moves every dimension toward the conservative side.
// Batch and concurrency never increase here, even below 1.
func (c *Controller) coupleDown(p CouplingParams) CouplingParams {
	return CouplingParams{
		BatchSize:   halve(p.BatchSize),
		Concurrency: halve(p.Concurrency),
		Redundancy:  p.Redundancy + c.cfg.RedundancyStep,
		PaceMs:      p.PaceMs + c.cfg.PaceStepMs,
	}
}

func (c *Controller) shouldRelax(state CoherenceState) bool {
	r := c.cfg.Relax
	if r == nil {
		return false
	}
	return state.Margin >= r.MarginTarget && math.Abs(state.Drift) <= r.DriftStable
}

func (c *Controller) damp(prior, proposed CouplingParams) CouplingParams {
	return CouplingParams{
		BatchSize:   c.cfg.BatchSize.Damp(prior.BatchSize, proposed.BatchSize),
		Concurrency: c.cfg.Concurrency.Damp(prior.Concurrency, proposed.Concurrency),
		Redundancy:  c.cfg.Redundancy.Damp(prior.Redundancy, proposed.Redundancy),
		PaceMs:      c.cfg.PaceMs.Damp(prior.PaceMs, proposed.PaceMs),
	}
}

func (c *Controller) bound(p CouplingParams) CouplingParams {
	return CouplingParams{
		BatchSize:   c.cfg.BatchSize.Clamp(p.BatchSize),
		Concurrency: c.cfg.Concurrency.Clamp(p.Concurrency),
		Redundancy:  c.cfg.Redundancy.Clamp(p.Redundancy),
		PaceMs:      c.cfg.PaceMs.Clamp(p.PaceMs),
	}
}

// sanitize replaces non-finite inputs with the floor so the law stays total.
func (c *Controller) sanitize(p CouplingParams) CouplingParams {
	return CouplingParams{
		BatchSize:   finiteOr(p.BatchSize, c.cfg.BatchSize.Floor),
		Concurrency: finiteOr(p.Concurrency, c.cfg.Concurrency.Floor),
		Redundancy:  finiteOr(p.Redundancy, c.cfg.Redundancy.Floor),
		PaceMs:      finiteOr(p.PaceMs, c.cfg.PaceMs.Floor),
	}
}

func halve(v float64) float64 {
	if v <= 1 {
		return v
	}
	return math.Max(1, math.Floor(v/2))
}

func formatHorizon(h float64) string {
	if math.IsInf(h, 1) {
		return "∞"
	}
	return fmt.Sprintf("%.3fs", h)
}
