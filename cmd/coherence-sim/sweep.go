package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexshd/coherence"
)

type sweepOptions struct {
	*rootOptions
	Seeds       int
	FirstSeed   uint32
	Parallelism int
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	opts := &sweepOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the same timeline over many seeds and aggregate",
		Long: `Run the same timeline over a range of seeds in parallel and print the
aggregate report (collapse rate, settling time, ringing, worst seed).

Example:
  coherence-sim sweep --seeds 100 --first-seed 1
  coherence-sim sweep -c timeline.yaml --parallel 4 --format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Seeds, "seeds", 32, "number of seeds")
	cmd.Flags().Uint32Var(&opts.FirstSeed, "first-seed", 1, "first seed of the range")
	cmd.Flags().IntVar(&opts.Parallelism, "parallel", 0, "concurrent runs (0 = GOMAXPROCS)")

	return cmd
}

func runSweep(cmd *cobra.Command, opts *sweepOptions) error {
	if opts.Seeds < 1 {
		return fmt.Errorf("--seeds must be >= 1, got %d", opts.Seeds)
	}
	cfg, err := opts.simulationConfig(cmd)
	if err != nil {
		return err
	}

	logger := opts.logger(cmd.ErrOrStderr())
	res, err := coherence.Sweep(cmd.Context(), cfg,
		coherence.SeedRange(opts.FirstSeed, opts.Seeds), opts.Parallelism,
		coherence.WithLogger(logger))
	if err != nil {
		return err
	}

	return writeReport(cmd.OutOrStdout(), opts.Format, res.Report)
}

func writeReport(w io.Writer, format string, r coherence.SweepReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "runs\t%d\n", r.Runs)
	fmt.Fprintf(tw, "collapsed\t%d (%.1f%%)\n", r.Collapsed, r.CollapseRate*100)
	fmt.Fprintf(tw, "stabilized\t%d\n", r.Stabilized)
	fmt.Fprintf(tw, "mean time to stabilize\t%.1fms\n", optionalFloat(r.MeanTimeToStabilizeMs))
	fmt.Fprintf(tw, "max overshoot\t%g\n", r.MaxOvershoot)
	fmt.Fprintf(tw, "ringing mean/max\t%.2f / %d\n", r.MeanRingingEvents, r.MaxRingingEvents)
	fmt.Fprintf(tw, "coupling changes/min\t%.2f\n", r.MeanCouplingChangesPerMinute)
	fmt.Fprintf(tw, "mean horizon error\t%.1fms\n", optionalFloat(r.MeanHorizonPredictionErrorMs))
	fmt.Fprintf(tw, "worst seed\t%d\n", r.WorstSeed)
	return tw.Flush()
}
