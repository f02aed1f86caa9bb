package main

import (
	"github.com/spf13/cobra"

	"github.com/alexshd/coherence"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved simulation config as YAML",
		Long: `Print the simulation config after applying defaults, --config and flag
overrides. The output is a valid --config file.

Example:
  coherence-sim config > timeline.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.simulationConfig(cmd)
			if err != nil {
				return err
			}
			return coherence.EncodeSimulationConfig(cmd.OutOrStdout(), cfg)
		},
	}
}
