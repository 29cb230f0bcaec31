package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "snntoolbox",
		Short: "Simulate converted spiking neural networks",
		Long: `snntoolbox runs trained analog networks as spiking networks of
integrate-and-fire neurons, using a temporal mean-rate code.

It reads a checkpoint (JSON or ONNX), builds the spiking graph, simulates
a test set batch by batch and stores the results of every run.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSimulateCmd(),
		newInspectCmd(),
		newRunsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "snntoolbox version %s\n", version)
			}
		},
	}
}
