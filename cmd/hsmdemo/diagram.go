package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/stateweave/hsm"
	"github.com/stateweave/hsm/internal/logging"
	"github.com/stateweave/hsm/pkg/plantuml"
)

func newDiagramCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "diagram <example>",
		Short:     "Print the PlantUML diagram of an example statechart",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"turnstile", "soda"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := findExample(args[0])
			if err != nil {
				return err
			}
			sm, err := ex.build(io.Discard, hsm.Config{Logger: logging.NewNop()})
			if err != nil {
				return err
			}
			return plantuml.Generate(cmd.OutOrStdout(), sm.Model())
		},
	}
}
