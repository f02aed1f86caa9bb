package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexshd/coherence"
)

type runOptions struct {
	*rootOptions
	Trace  bool
	Diary  string
	Strict bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and print its stability summary",
		Long: `Run one simulation and print its stability summary.

The failure diary (collapse and unstable entries, one per line) goes to
stderr unless --diary names a file.

Example:
  coherence-sim run
  coherence-sim run --seed 7 --horizon-min 3 --max-delta-batch 4
  coherence-sim run -c timeline.yaml --format text --diary failures.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the per-tick trace in JSON output")
	cmd.Flags().StringVar(&opts.Diary, "diary", "", "write the failure diary to this file")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit with code 2 when the run never stabilizes")

	return cmd
}

func runSimulation(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := opts.simulationConfig(cmd)
	if err != nil {
		return err
	}

	logger := opts.logger(cmd.ErrOrStderr())
	simOpts := []coherence.Option{coherence.WithLogger(logger)}
	if opts.Verbose {
		simOpts = append(simOpts, coherence.WithSink(coherence.NewSlogSink(logger, 50, 10)))
	}

	result, err := coherence.RunSimulation(cmd.Context(), cfg, simOpts...)
	if err != nil {
		return err
	}

	if !opts.Trace {
		result.Trace = nil
	}
	if err := writeResult(cmd.OutOrStdout(), opts.Format, result); err != nil {
		return err
	}
	if err := writeDiary(cmd.ErrOrStderr(), opts.Diary, result.Diary()); err != nil {
		return err
	}

	if opts.Strict && !result.Summary.Stabilized() {
		return fmt.Errorf("%w: seed %d", errUnstable, result.Summary.Seed)
	}
	return nil
}

func writeResult(w io.Writer, format string, result *coherence.SimulationResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return writeSummaryText(w, result.Summary)
}

func writeSummaryText(w io.Writer, s coherence.StabilitySummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run id\t%s\n", s.RunID)
	fmt.Fprintf(tw, "seed\t%d\n", s.Seed)
	fmt.Fprintf(tw, "steps\t%d\n", s.Steps)
	fmt.Fprintf(tw, "time to stabilize\t%s\n", optionalMs(s.TimeToStabilizeMs))
	fmt.Fprintf(tw, "overshoot max\t%g\n", s.OvershootMax)
	fmt.Fprintf(tw, "ringing events\t%d (batch %d, concurrency %d)\n",
		s.RingingEvents, s.RingingByParam.BatchSize, s.RingingByParam.Concurrency)
	fmt.Fprintf(tw, "coupling changes/min\t%.2f\n", s.CouplingChangesPerMinute)
	fmt.Fprintf(tw, "couple-down steps\t%d\n", s.CoupleDownSteps)
	if s.CollapseAtMs != nil {
		fmt.Fprintf(tw, "collapse at\t%dms\n", *s.CollapseAtMs)
	} else {
		fmt.Fprintf(tw, "collapse at\tnever\n")
	}
	if s.HorizonPredictionErrorMs != nil {
		fmt.Fprintf(tw, "horizon prediction error\t%.1fms\n", *s.HorizonPredictionErrorMs)
	}
	return tw.Flush()
}

func writeDiary(stderr io.Writer, path string, diary *coherence.FailureDiary) error {
	if path == "" {
		_, err := diary.WriteTo(stderr)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create diary: %w", err)
	}
	if _, err := diary.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write diary: %w", err)
	}
	return f.Close()
}

func optionalMs(v *int64) string {
	if v == nil {
		return "never"
	}
	return fmt.Sprintf("%dms", *v)
}

func optionalFloat(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
