package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// subscriberCmd represents the subscriber command
var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Operate on webhook subscribers",
}

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test [subscriber-id]",
	Short: "Send a diagnostic test.ping to a subscriber",
	Long: `Send a signed test.ping event to a subscriber's endpoint. The attempt is
recorded like any delivery but never retried.

Example:
  moorctl subscriber test sub_456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Success    bool   `json:"success"`
			StatusCode int    `json:"status_code"`
			Error      string `json:"error"`
		}
		if err := doRequest("POST", "/v1/subscribers/"+args[0]+"/test", nil, &res); err != nil {
			return fmt.Errorf("failed to send test ping: %w", err)
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if res.Success {
			fmt.Printf("Test ping delivered (HTTP %d)\n", res.StatusCode)
		} else {
			fmt.Printf("Test ping failed")
			if res.StatusCode != 0 {
				fmt.Printf(" (HTTP %d)", res.StatusCode)
			}
			if res.Error != "" {
				fmt.Printf(": %s", res.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriberCmd)
	subscriberCmd.AddCommand(testCmd)
}
