package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/slotify/internal/broker"
	"github.com/snehjoshi/slotify/internal/scoring"
	"github.com/snehjoshi/slotify/internal/types"
)

// newScoreCmd scores one intake offline with the configured thresholds.
// Nothing is admitted and no server is needed.
func newScoreCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "score [intake.json]",
		Short: "Score an intake read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			var in types.Intake
			dec := json.NewDecoder(r)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				return fmt.Errorf("decode intake: %w", err)
			}

			res := scoring.New(broker.ScoringConfig(cfg.Scoring)).Score(in)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
