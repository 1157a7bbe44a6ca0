package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check mooringd health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			OK      bool   `json:"ok"`
			Message string `json:"message"`
		}
		if err := doRequest("GET", "/healthz", nil, &res); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if res.OK {
			fmt.Println("Server is healthy")
		} else {
			fmt.Printf("Server is unhealthy: %s\n", res.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
