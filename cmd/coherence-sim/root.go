package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/alexshd/coherence"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUnstable = 2 // --strict and the run never stabilized
)

var errUnstable = errors.New("run did not stabilize")

var validFormats = []string{"json", "text"}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	Verbose bool
	NoColor bool
	Format  string
	Config  string

	// Overrides, applied only when the flag was set.
	DurationMs    int64
	StepMs        int64
	Seed          uint32
	HorizonMin    float64
	MaxDeltaBatch float64
	MaxDeltaConc  float64
	MaxDeltaRed   float64
	MaxDeltaPace  float64
	NoRelax       bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "coherence-sim",
		Short: "Stress-test the coherence loop on synthetic timelines",
		Long: `coherence-sim drives the margin estimator and coupling controller over a
seeded synthetic field with injected jitter, crosstalk and congestion events.

Identical flags and seed always produce identical output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&opts.NoColor, "no-color", false, "disable colored logs")
	f.StringVar(&opts.Format, "format", "json", "output format (json|text)")
	f.StringVarP(&opts.Config, "config", "c", "", "YAML simulation config (defaults apply to missing keys)")
	f.Int64Var(&opts.DurationMs, "duration", 0, "simulated duration in ms")
	f.Int64Var(&opts.StepMs, "step", 0, "tick interval in ms")
	f.Uint32Var(&opts.Seed, "seed", 0, "generator seed")
	f.Float64Var(&opts.HorizonMin, "horizon-min", 0, "horizon threshold in seconds")
	f.Float64Var(&opts.MaxDeltaBatch, "max-delta-batch", 0, "batch size rate limit per tick")
	f.Float64Var(&opts.MaxDeltaConc, "max-delta-concurrency", 0, "concurrency rate limit per tick")
	f.Float64Var(&opts.MaxDeltaRed, "max-delta-redundancy", 0, "redundancy rate limit per tick")
	f.Float64Var(&opts.MaxDeltaPace, "max-delta-pace", 0, "pacing rate limit per tick (ms)")
	f.BoolVar(&opts.NoRelax, "no-relax", false, "disable couple-up toward the nominal point")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// simulationConfig resolves defaults, then the YAML file, then flags.
func (o *rootOptions) simulationConfig(cmd *cobra.Command) (coherence.SimulationConfig, error) {
	cfg := coherence.DefaultSimulationConfig()
	if o.Config != "" {
		file, err := os.Open(o.Config)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if cfg, err = coherence.DecodeSimulationConfig(file); err != nil {
			return cfg, fmt.Errorf("%s: %w", o.Config, err)
		}
	}

	changed := cmd.Flags().Changed
	if changed("duration") {
		cfg.DurationMs = o.DurationMs
	}
	if changed("step") {
		cfg.StepMs = o.StepMs
	}
	if changed("seed") {
		cfg.Seed = o.Seed
	}
	if changed("horizon-min") {
		cfg.Controller.HorizonMin = o.HorizonMin
	}
	if changed("max-delta-batch") {
		cfg.Controller.BatchSize.MaxDelta = o.MaxDeltaBatch
	}
	if changed("max-delta-concurrency") {
		cfg.Controller.Concurrency.MaxDelta = o.MaxDeltaConc
	}
	if changed("max-delta-redundancy") {
		cfg.Controller.Redundancy.MaxDelta = o.MaxDeltaRed
	}
	if changed("max-delta-pace") {
		cfg.Controller.PaceMs.MaxDelta = o.MaxDeltaPace
	}
	if o.NoRelax {
		cfg.Controller.Relax = nil
	}

	return cfg, cfg.Validate()
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    o.NoColor,
	}))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUnstable):
		return exitUnstable
	default:
		return exitError
	}
}
