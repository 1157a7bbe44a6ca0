package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// deadletterCmd represents the deadletter command
var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect dead-lettered deliveries",
}

// deadletterListCmd represents the list command
var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent dead letters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var res struct {
			DeadLetters []struct {
				DeliveryID   string `json:"delivery_id"`
				SubscriberID string `json:"subscriber_id"`
				EventID      string `json:"event_id"`
				EventType    string `json:"event_type"`
				Attempts     int    `json:"attempts"`
				Reason       string `json:"reason"`
				CreatedAt    string `json:"created_at"`
			} `json:"dead_letters"`
		}
		path := fmt.Sprintf("/v1/deadletters?limit=%d", limit)
		if err := doRequest("GET", path, nil, &res); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if len(res.DeadLetters) == 0 {
			fmt.Println("No dead letters found")
			return nil
		}
		for _, dl := range res.DeadLetters {
			fmt.Printf("%s  delivery=%s  subscriber=%s  event=%s (%s)  attempts=%d  reason=%q\n",
				dl.CreatedAt, dl.DeliveryID, dl.SubscriberID, dl.EventID, dl.EventType, dl.Attempts, dl.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd)

	deadletterListCmd.Flags().Int("limit", 50, "maximum rows to return")
}
