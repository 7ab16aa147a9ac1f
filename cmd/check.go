package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-price-watch/internal/engine"
)

type checkOutput struct {
	Evaluated  int            `json:"evaluated"`
	Pending    int            `json:"pending"`
	Outcomes   map[string]int `json:"outcomes"`
	DurationMS int64          `json:"duration_ms"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Runs one check pass over every tracker and exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary := appInstance.RunPass(cmd.Context(), engine.TriggerManual)
			if summary.Err != nil {
				return fmt.Errorf("check pass: %w", summary.Err)
			}
			out := checkOutput{
				Evaluated:  summary.Evaluated,
				Pending:    summary.Pending(),
				Outcomes:   make(map[string]int, len(summary.Outcomes)),
				DurationMS: summary.Duration.Milliseconds(),
			}
			for outcome, n := range summary.Outcomes {
				out.Outcomes[string(outcome)] = n
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
