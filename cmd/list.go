package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Prints the pending trackers as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			trackers, err := appInstance.ListTrackers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list trackers: %w", err)
			}
			if trackers == nil {
				trackers = []tracker.Tracker{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(trackers)
		},
	}
}
