package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Queue webhook events and inspect their deliveries",
}

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue [tenant-id] [event-type] [entity-id] [payload-json]",
	Short: "Queue a webhook event for fan-out",
	Long: `Queue a webhook event with a JSON payload. The server fans it out to
every active subscriber of the event type and attempts delivery inline.

Example:
  moorctl event queue tn_123 invoice.paid inv_789 '{"amount":1200,"currency":"usd"}'`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(args[3]), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		eventID, _ := cmd.Flags().GetString("event-id")
		body := map[string]any{
			"tenant_id":  args[0],
			"event_type": args[1],
			"entity_id":  args[2],
			"payload":    payload,
		}
		if eventID != "" {
			body["event_id"] = eventID
		}

		var res struct {
			Queued    int `json:"queued"`
			Delivered int `json:"delivered"`
			Failed    int `json:"failed"`
		}
		if err := doRequest("POST", "/v1/events", body, &res); err != nil {
			return fmt.Errorf("failed to queue event: %w", err)
		}

		if outputJSON {
			printOutput(res)
		} else {
			fmt.Printf("Queued %d deliveries: %d delivered, %d failed\n", res.Queued, res.Delivered, res.Failed)
		}
		return nil
	},
}

// deliveriesCmd represents the deliveries command
var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [event-id]",
	Short: "List delivery rows for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var res struct {
			Deliveries []struct {
				ID           string `json:"id"`
				SubscriberID string `json:"subscriber_id"`
				Status       string `json:"status"`
				Attempts     int    `json:"attempts"`
				HTTPStatus   int    `json:"http_status"`
				NextRetryDue string `json:"next_retry_due"`
				LastError    string `json:"last_error"`
			} `json:"deliveries"`
		}
		path := fmt.Sprintf("/v1/events/%s/deliveries?limit=%d", args[0], limit)
		if err := doRequest("GET", path, nil, &res); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if len(res.Deliveries) == 0 {
			fmt.Println("No deliveries found")
			return nil
		}
		for _, d := range res.Deliveries {
			fmt.Printf("%s  subscriber=%s  status=%s  attempts=%d", d.ID, d.SubscriberID, d.Status, d.Attempts)
			if d.HTTPStatus != 0 {
				fmt.Printf("  http=%d", d.HTTPStatus)
			}
			if d.NextRetryDue != "" {
				fmt.Printf("  next_retry=%s", d.NextRetryDue)
			}
			if d.LastError != "" {
				fmt.Printf("  error=%q", d.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(queueCmd)
	eventCmd.AddCommand(deliveriesCmd)

	queueCmd.Flags().String("event-id", "", "caller-supplied event id for deduplication")
	deliveriesCmd.Flags().Int("limit", 50, "maximum rows to return")
}
