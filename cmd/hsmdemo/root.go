package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hsmdemo",
		Short:         "Drive example hierarchical state machines",
		Long:          `hsmdemo runs the example statecharts. Keys are read one per line from stdin, or from a YAML script given with --script.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.String("script", "", "YAML file listing the keys to press")
	flags.String("diagram", "", "Write a PlantUML diagram of the statechart to this file before running")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	for _, ex := range examples {
		rootCmd.AddCommand(newExampleCmd(ex))
	}
	rootCmd.AddCommand(newDiagramCmd())
	return rootCmd
}
