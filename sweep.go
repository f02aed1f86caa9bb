package coherence

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SweepReport aggregates the summaries of a multi-seed sweep.
type SweepReport struct {
	Runs       int      `json:"runs"`
	Seeds      []uint32 `json:"seeds"`
	Collapsed  int      `json:"collapsed"`
	Stabilized int      `json:"stabilized"`

	CollapseRate                 float64  `json:"collapseRate"`
	MeanTimeToStabilizeMs        *float64 `json:"meanTimeToStabilizeMs,omitempty"`
	MaxOvershoot                 float64  `json:"maxOvershoot"`
	MeanRingingEvents            float64  `json:"meanRingingEvents"`
	MaxRingingEvents             int      `json:"maxRingingEvents"`
	MeanCouplingChangesPerMinute float64  `json:"meanCouplingChangesPerMinute"`
	MeanHorizonPredictionErrorMs *float64 `json:"meanHorizonPredictionErrorMs,omitempty"`

	// WorstSeed is the seed with the most ringing, ties broken by order.
	WorstSeed uint32 `json:"worstSeed"`
}

// SweepResult holds per-seed results in seed order plus the aggregate.
type SweepResult struct {
	Report  SweepReport         `json:"report"`
	Results []*SimulationResult `json:"results"`
}

// Sweep runs base once per seed, up to parallelism runs at a time.
// parallelism <= 0 uses GOMAXPROCS. Runs share nothing, so results are the
// same as running the seeds one by one. The first failing run cancels the
// rest and its error is returned.
func Sweep(ctx context.Context, base SimulationConfig, seeds []uint32, parallelism int, opts ...Option) (*SweepResult, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: sweep needs at least one seed", ErrInvalidConfig)
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	o := applyOptions(opts)
	ctx, span := o.tracer().Start(ctx, "coherence.Sweep",
		trace.WithAttributes(
			attribute.Int("coherence.seeds", len(seeds)),
			attribute.Int("coherence.parallelism", parallelism),
		))
	defer span.End()

	results := make([]*SimulationResult, len(seeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, seed := range seeds {
		g.Go(func() error {
			cfg := base
			cfg.Seed = seed
			cfg.Events = append([]SimulationEvent(nil), base.Events...)

			res, err := RunSimulation(gctx, cfg, opts...)
			if err != nil {
				return fmt.Errorf("seed %d: %w", seed, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report := summarizeSweep(seeds, results)
	span.SetAttributes(
		attribute.Int("coherence.collapsed", report.Collapsed),
		attribute.Int("coherence.stabilized", report.Stabilized),
	)
	o.logger.Info("sweep finished",
		"runs", report.Runs,
		"collapsed", report.Collapsed,
		"stabilized", report.Stabilized,
		"max_overshoot", report.MaxOvershoot,
		"worst_seed", report.WorstSeed)

	return &SweepResult{Report: report, Results: results}, nil
}

func summarizeSweep(seeds []uint32, results []*SimulationResult) SweepReport {
	report := SweepReport{
		Runs:  len(results),
		Seeds: append([]uint32(nil), seeds...),
	}

	var ttsSum, errSum, ringSum, cpmSum float64
	var ttsN, errN int
	worst := -1
	for i, r := range results {
		s := r.Summary
		if s.Collapsed() {
			report.Collapsed++
		}
		if s.TimeToStabilizeMs != nil {
			report.Stabilized++
			ttsSum += float64(*s.TimeToStabilizeMs)
			ttsN++
		}
		if s.HorizonPredictionErrorMs != nil {
			errSum += *s.HorizonPredictionErrorMs
			errN++
		}
		report.MaxOvershoot = math.Max(report.MaxOvershoot, s.OvershootMax)
		ringSum += float64(s.RingingEvents)
		cpmSum += s.CouplingChangesPerMinute
		if s.RingingEvents > worst {
			worst = s.RingingEvents
			report.WorstSeed = seeds[i]
		}
	}

	n := float64(len(results))
	report.CollapseRate = float64(report.Collapsed) / n
	report.MeanRingingEvents = ringSum / n
	report.MaxRingingEvents = worst
	report.MeanCouplingChangesPerMinute = cpmSum / n
	if ttsN > 0 {
		mean := ttsSum / float64(ttsN)
		report.MeanTimeToStabilizeMs = &mean
	}
	if errN > 0 {
		mean := errSum / float64(errN)
		report.MeanHorizonPredictionErrorMs = &mean
	}
	return report
}

// SeedRange returns n consecutive seeds starting at first.
func SeedRange(first uint32, n int) []uint32 {
	seeds := make([]uint32, 0, max(n, 0))
	for i := 0; i < n; i++ {
		seeds = append(seeds, first+uint32(i))
	}
	return seeds
}
