package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/logging"
	"github.com/FelixWaiblinger/snn-toolbox/snn"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the trained model and its spiking counterpart",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			modelPath, _ := cmd.Flags().GetString("model")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())

			sim, parsed, err := buildSimulator(cfg, modelPath, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, parsed.Summary())
			g := sim.Graph()
			fmt.Fprintln(out, g.Summary())

			opts := snn.RecorderOptionsFromConfig(cfg)
			mem := snn.EstimateRecorderMemory(g, opts, cfg.Simulation.BatchSize, cfg.NumTimesteps())
			fmt.Fprintf(out, "Recorded variables per batch: %s\n", mem.HumanReadable())
			return nil
		},
	}

	cmd.Flags().String("model", "", "Path to the trained model checkpoint (.json or .onnx)")
	cmd.MarkFlagRequired("model")
	return cmd
}
