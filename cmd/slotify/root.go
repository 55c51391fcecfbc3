package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/slotify/internal/config"
)

func newRootCmd(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "slotify",
		Short:         "Slotify: triage intake and priority dispatch",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newScoreCmd(load))
	return cmd
}

// configLoader defers config loading until a subcommand runs, so --config is
// parsed first.
type configLoader func() (*config.Config, error)
