package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Trigger one retry sweep",
	Long: `Trigger one retry sweep on the server. The sweep claims a batch of due
deliveries and attempts each of them once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Processed int `json:"processed"`
			Delivered int `json:"delivered"`
			Failed    int `json:"failed"`
		}
		if err := doRequest("POST", "/v1/sweep", nil, &res); err != nil {
			return fmt.Errorf("failed to sweep: %w", err)
		}

		if outputJSON {
			printOutput(res)
		} else {
			fmt.Printf("Processed %d deliveries: %d delivered, %d failed\n", res.Processed, res.Delivered, res.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
