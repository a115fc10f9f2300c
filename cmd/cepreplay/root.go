package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Pattern    string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cepreplay",
		Short: "Replay keyed events through a CEP pattern",
		Long: `cepreplay compiles a declarative pattern and replays JSON-lines event
files through it, printing every completed match as one JSON line.

Settings come from defaults, an optional YAML file (--config) and
STREAMCEP_* environment variables; flags win over all of them.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML settings file")
	cmd.PersistentFlags().StringVarP(&opts.Pattern, "pattern", "p", "", "path to pattern file (overrides settings)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

// settings loads the layered settings and applies the global flags.
func (o *RootOptions) settings() (*Settings, error) {
	s, err := LoadSettings(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Pattern != "" {
		s.Pattern = o.Pattern
	}
	return s, nil
}
