package coherence

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	calmState    = CoherenceState{Margin: 0.86, Drift: 0, Reserve: 1, Horizon: math.Inf(1)}
	erodingState = CoherenceState{Margin: 0.45, Drift: -0.2, Reserve: 0.6, Horizon: 1.35}
)

func noRelaxConfig() CoherenceConfig {
	cfg := DefaultCoherenceConfig()
	cfg.Relax = nil
	return cfg
}

func TestController_CoupleDownDamped(t *testing.T) {
	c := MustNewController(DefaultCoherenceConfig())

	d := c.Decide(erodingState, DefaultCouplingParams())

	assert.Equal(t, DecisionCoupleDown, d.Kind)
	assert.Equal(t, CouplingParams{BatchSize: 32, Concurrency: 8, Redundancy: 1.2, PaceMs: 10}, d.Proposed)
	// Halving is rate limited to MaxDelta per tick.
	assert.Equal(t, 56.0, d.Next.BatchSize)
	assert.Equal(t, 14.0, d.Next.Concurrency)
	assert.InDelta(t, 1.2, d.Next.Redundancy, 1e-12)
	assert.Equal(t, 10.0, d.Next.PaceMs)
	assert.True(t, strings.Contains(d.Reason, "COUPLE_DOWN"))

	t.Logf("✓ Couple-down: %s → %s", d.Prior, d.Next)
}

func TestController_CoupleDownUndamped(t *testing.T) {
	cfg := noRelaxConfig()
	cfg.BatchSize.MaxDelta = 1000
	cfg.Concurrency.MaxDelta = 1000
	c := MustNewController(cfg)

	next := c.Adapt(erodingState, CouplingParams{BatchSize: 9, Concurrency: 3, Redundancy: 1, PaceMs: 0})

	assert.Equal(t, 4.0, next.BatchSize, "floor(9/2)")
	assert.Equal(t, 1.0, next.Concurrency, "floor(3/2)")
}

func TestController_HalveNeverIncreases(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{64, 32},
		{3, 1},
		{2, 1},
		{1, 1},
		{0.5, 0.5},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, halve(tt.in), "halve(%g)", tt.in)
	}
}

func TestController_HoldWithoutRelax(t *testing.T) {
	c := MustNewController(noRelaxConfig())
	p := CouplingParams{BatchSize: 20, Concurrency: 5, Redundancy: 2, PaceMs: 40}

	d := c.Decide(calmState, p)

	assert.Equal(t, DecisionHold, d.Kind)
	assert.Equal(t, p, d.Next)
	assert.False(t, d.Changed())
	assert.Contains(t, d.Reason, "∞")
}

func TestController_HoldAtThreshold(t *testing.T) {
	c := MustNewController(noRelaxConfig())
	state := CoherenceState{Margin: 0.5, Drift: -0.1, Reserve: 1, Horizon: 5.0}

	d := c.Decide(state, DefaultCouplingParams())
	assert.Equal(t, DecisionHold, d.Kind, "H == HorizonMin is not below threshold")
}

func TestController_RelaxGlidesToNominal(t *testing.T) {
	c := MustNewController(DefaultCoherenceConfig())
	p := CouplingParams{BatchSize: 1, Concurrency: 1, Redundancy: 3, PaceMs: 250}

	steps := 0
	for p != DefaultCouplingParams() && steps < 100 {
		d := c.Decide(calmState, p)
		require.Equal(t, DecisionCoupleUp, d.Kind)
		p = d.Next
		steps++
	}

	assert.Equal(t, DefaultCouplingParams().BatchSize, p.BatchSize)
	assert.Equal(t, DefaultCouplingParams().Concurrency, p.Concurrency)
	assert.InDelta(t, 1.0, p.Redundancy, 1e-9)
	assert.Equal(t, 0.0, p.PaceMs)
	// Pacing is the slowest dimension: 250ms at 10ms per tick.
	assert.Equal(t, 25, steps)

	t.Logf("✓ Relaxed to nominal in %d ticks", steps)
}

func TestController_RelaxRequiresCalm(t *testing.T) {
	c := MustNewController(DefaultCoherenceConfig())
	p := CouplingParams{BatchSize: 8, Concurrency: 2, Redundancy: 2, PaceMs: 30}

	tests := []struct {
		name  string
		state CoherenceState
	}{
		{"low margin", CoherenceState{Margin: 0.6, Drift: 0, Reserve: 1, Horizon: math.Inf(1)}},
		{"recovering fast", CoherenceState{Margin: 0.8, Drift: 0.05, Reserve: 1, Horizon: math.Inf(1)}},
		{"eroding slowly", CoherenceState{Margin: 0.8, Drift: -0.03, Reserve: 1, Horizon: 26}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Decide(tt.state, p)
			assert.Equal(t, DecisionHold, d.Kind)
			assert.Equal(t, p, d.Next)
		})
	}
}

func TestController_BoundsWin(t *testing.T) {
	c := MustNewController(DefaultCoherenceConfig())

	// Far outside the envelope: bounding overrides the rate limit.
	next := c.Adapt(calmState, CouplingParams{BatchSize: 10_000, Concurrency: -5, Redundancy: 10, PaceMs: -100})

	assert.Equal(t, 256.0, next.BatchSize)
	assert.Equal(t, 1.0, next.Concurrency)
	assert.Equal(t, 3.0, next.Redundancy)
	assert.Equal(t, 0.0, next.PaceMs)
}

func TestController_NonFiniteParams(t *testing.T) {
	c := MustNewController(noRelaxConfig())
	nan := math.NaN()

	next := c.Adapt(calmState, CouplingParams{BatchSize: nan, Concurrency: math.Inf(1), Redundancy: nan, PaceMs: math.Inf(-1)})

	assert.Equal(t, CouplingParams{BatchSize: 1, Concurrency: 1, Redundancy: 1, PaceMs: 0}, next)
}

// TestController_InvariantsProperty drives the controller with pseudo-random
// states and in-bound params and checks bounds, rate limit and safety
// monotonicity on every call.
func TestController_InvariantsProperty(t *testing.T) {
	cfg := DefaultCoherenceConfig()
	c := MustNewController(cfg)
	rng := NewLCG(2024)

	draw := func(b Bounds) float64 { return b.Floor + rng.Next()*(b.Ceiling-b.Floor) }

	for i := 0; i < 5000; i++ {
		p := CouplingParams{
			BatchSize:   math.Round(draw(cfg.BatchSize)),
			Concurrency: math.Round(draw(cfg.Concurrency)),
			Redundancy:  draw(cfg.Redundancy),
			PaceMs:      draw(cfg.PaceMs),
		}
		state := CoherenceState{
			Margin:  rng.Next(),
			Drift:   rng.NextSigned(1),
			Reserve: rng.Next(),
			Horizon: rng.Next() * 20,
		}
		if state.Drift >= 0 {
			state.Horizon = math.Inf(1)
		}

		next := c.Adapt(state, p)

		for j, chk := range paramChecks(cfg, next) {
			prior := paramChecks(cfg, p)[j].value
			if chk.value < chk.bounds.Floor || chk.value > chk.bounds.Ceiling {
				t.Fatalf("iter %d: %s=%g outside [%g,%g]", i, chk.name, chk.value, chk.bounds.Floor, chk.bounds.Ceiling)
			}
			if math.Abs(chk.value-prior) > chk.bounds.MaxDelta+rateLimitSlack {
				t.Fatalf("iter %d: %s moved %g > %g", i, chk.name, math.Abs(chk.value-prior), chk.bounds.MaxDelta)
			}
		}

		if state.Horizon < cfg.HorizonMin {
			if next.BatchSize > p.BatchSize || next.Concurrency > p.Concurrency {
				t.Fatalf("iter %d: couple-down increased coupling %s → %s", i, p, next)
			}
			if next.Redundancy < p.Redundancy || next.PaceMs < p.PaceMs {
				t.Fatalf("iter %d: couple-down reduced safety %s → %s", i, p, next)
			}
		}
	}
	t.Logf("✓ 5000 random decisions: bounded, rate limited, safety monotone")
}

func TestController_Deterministic(t *testing.T) {
	c := MustNewController(DefaultCoherenceConfig())
	p := DefaultCouplingParams()

	assert.Equal(t, c.Decide(erodingState, p), c.Decide(erodingState, p))
}

func TestNewController_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CoherenceConfig)
		want   string
	}{
		{"floor above ceiling", func(c *CoherenceConfig) { c.BatchSize.Floor = 300 }, "BatchSize.Ceiling"},
		{"negative max delta", func(c *CoherenceConfig) { c.PaceMs.MaxDelta = -1 }, "PaceMs.MaxDelta"},
		{"zero horizon", func(c *CoherenceConfig) { c.HorizonMin = 0 }, "HorizonMin"},
		{"negative step", func(c *CoherenceConfig) { c.RedundancyStep = -0.1 }, "RedundancyStep"},
		{"margin target above one", func(c *CoherenceConfig) { c.Relax.MarginTarget = 1.5 }, "Relax.MarginTarget"},
		{"nan nominal", func(c *CoherenceConfig) { c.Relax.Nominal.BatchSize = math.NaN() }, "Relax.Nominal.BatchSize = NaN must be finite"},
		{"infinite nominal pace", func(c *CoherenceConfig) { c.Relax.Nominal.PaceMs = math.Inf(1) }, "Relax.Nominal.PaceMs"},
		{"infinite redundancy step", func(c *CoherenceConfig) { c.RedundancyStep = math.Inf(1) }, "RedundancyStep"},
		{"nan pace step", func(c *CoherenceConfig) { c.PaceStepMs = math.NaN() }, "PaceStepMs"},
		{"infinite ceiling", func(c *CoherenceConfig) { c.Concurrency.Ceiling = math.Inf(1) }, "Concurrency.Ceiling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCoherenceConfig()
			tt.mutate(&cfg)

			c, err := NewController(cfg)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewController_ReportsAllViolations(t *testing.T) {
	cfg := DefaultCoherenceConfig()
	cfg.HorizonMin = -1
	cfg.Concurrency.Floor = 100

	_, err := NewController(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HorizonMin")
	assert.Contains(t, err.Error(), "Concurrency.Ceiling")
}

func TestMustNewController_Panics(t *testing.T) {
	cfg := DefaultCoherenceConfig()
	cfg.HorizonMin = 0
	assert.Panics(t, func() { MustNewController(cfg) })
}

func TestController_NaNProposalStaysBounded(t *testing.T) {
	cfg := DefaultCoherenceConfig()
	c := MustNewController(cfg)

	// A NaN can only reach bounding through a proposal; Clamp must not pass it on.
	assert.Equal(t, cfg.BatchSize.Floor, cfg.BatchSize.Clamp(math.NaN()))

	next := c.bound(CouplingParams{BatchSize: math.NaN(), Concurrency: math.NaN(), Redundancy: math.NaN(), PaceMs: math.NaN()})
	assert.Equal(t, CouplingParams{BatchSize: 1, Concurrency: 1, Redundancy: 1, PaceMs: 0}, next)

	for _, state := range []CoherenceState{calmState, erodingState, NeutralState()} {
		p := c.Adapt(state, DefaultCouplingParams())
		for _, chk := range paramChecks(cfg, p) {
			assert.False(t, math.IsNaN(chk.value), chk.name)
			assert.GreaterOrEqual(t, chk.value, chk.bounds.Floor, chk.name)
			assert.LessOrEqual(t, chk.value, chk.bounds.Ceiling, chk.name)
		}
	}
	t.Logf("✓ NaN never escapes bounding")
}
