// Package coherence keeps a tunable resource configuration inside a safe
// envelope under noisy load.
//
// # Overview
//
// The Coherence Loop samples a live system, estimates how much safety margin
// is left and how fast it is eroding, and trades coupling (batch size,
// concurrency) for safety (redundancy, pacing) before the margin runs out.
// It does not localize faults and does not optimize a reward. It maintains
// bounded invariants only.
//
// # Architecture
//
//	Sampler → SampleHistory → Estimator → Controller → caller → Sink
//
//   - history.go    - fixed-capacity sample ring buffer
//   - estimator.go  - margin (M), drift (V), reserve (R), horizon (H)
//   - controller.go - couple-down, damping, bounding
//   - loop.go       - live loop: Tick and Run
//   - sampler.go    - WindowSampler for request latencies and outcomes
//   - harness.go    - deterministic simulation harness
//   - sweep.go      - multi-seed sweeps
//   - telemetry*.go - sinks: memory, queued, slog, Prometheus
//   - assertions.go - test helpers for stability properties
//
// # The Estimator
//
//	M = 1 / (1 + 0.02·max(0, p99−p50) + 4·errorRate)
//	V = (M_now − M_prev) / dt
//	R = 1 / (1 + 2·(max(0, queueSlope) + spike))
//	H = +Inf if V ≥ 0, else (M/|V|)·max(R, 0.2)
//
// Fewer than two samples yield the neutral state {M:1, V:0, R:1, H:+Inf}.
//
// # The Controller
//
// When H drops below HorizonMin the controller couples down: batch size and
// concurrency are halved (never below 1), redundancy and pacing step up.
// Every proposal is then rate limited to ±MaxDelta per parameter and clamped
// into [Floor, Ceiling]. An optional RelaxPolicy glides back toward a nominal
// operating point once margin is healthy and drift is flat.
//
//	ctrl, err := coherence.NewController(coherence.DefaultCoherenceConfig())
//	if err != nil {
//	    log.Fatal(err) // wraps coherence.ErrInvalidConfig
//	}
//	next := ctrl.Adapt(state, params)
//
// # Live Loop
//
//	sampler := coherence.NewWindowSampler(1000, nil)
//	loop, err := coherence.NewLoop(sampler, coherence.DefaultCoherenceConfig(),
//	    coherence.DefaultCouplingParams(),
//	    coherence.WithLogger(logger),
//	    coherence.WithDecisionHook(func(d coherence.Decision) {
//	        pool.Resize(int(d.Next.Concurrency))
//	    }))
//	go loop.Run(ctx, 200*time.Millisecond)
//
// # Simulation
//
// RunSimulation replaces the sampler with a seeded synthetic field and
// injects jitter, crosstalk and congestion events. Identical configs produce
// byte-identical results:
//
//	result, err := coherence.RunSimulation(ctx, coherence.DefaultSimulationConfig())
//	fmt.Println(result.Summary.TimeToStabilizeMs, result.Summary.RingingEvents)
//
// The cmd/coherence-sim command wraps RunSimulation and Sweep.
package coherence
