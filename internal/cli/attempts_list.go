package cli

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/leviathan-agent/leviathan/internal/graph"
)

var attemptsListCmd = &cobra.Command{
	Use:   "attempts-list",
	Short: "List attempts, optionally filtered by target",
	Long:  `attempts-list calls GET /v1/attempts?target=&limit= and prints one row per attempt, most recent first.`,
	RunE:  runAttemptsList,
}

func init() {
	rootCmd.AddCommand(attemptsListCmd)
	attemptsListCmd.Flags().String("target", "", "restrict to a single target id")
	attemptsListCmd.Flags().Int("limit", 20, "maximum number of attempts to return")
}

func runAttemptsList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	limit, _ := cmd.Flags().GetInt("limit")

	q := url.Values{}
	if target != "" {
		q.Set("target", target)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	var attempts []graph.Attempt
	path := "/v1/attempts"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := client.do(context.Background(), "GET", path, nil, &attempts); err != nil {
		return err
	}

	if len(attempts) == 0 {
		fmt.Println("No attempts found.")
		return nil
	}

	fmt.Printf("%-36s %-20s %-10s %-10s %-10s\n", "ATTEMPT", "TASK", "STATUS", "FAILURE", "PR")
	for _, a := range attempts {
		status := string(a.Status)
		if status == "" {
			status = "running"
		}
		fmt.Printf("%-36s %-20s %-10s %-10s %-10s\n", a.ID, a.TaskID, status, a.FailureKind, a.PRNumber)
	}
	return nil
}
