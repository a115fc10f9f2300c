package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/streamcep/pkg/cep"
	"github.com/randalmurphal/streamcep/pkg/cep/dsl"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		Short:   "Compile a pattern and print its stage graph",
		Example: `  cepreplay check --pattern patterns/card-testing.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.settings()
			if err != nil {
				return err
			}
			if s.Pattern == "" {
				return errors.New("pattern is required")
			}
			logger, err := newLogger(s.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stages, err := compilePattern(s.Pattern, logger)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), stages.String())
			return nil
		},
	}
}

func compilePattern(path string, logger *slog.Logger) (*cep.Stages[dsl.Event], error) {
	p, err := dsl.Load(path)
	if err != nil {
		return nil, err
	}
	return cep.Compile(p, cep.WithLogger(logger))
}
