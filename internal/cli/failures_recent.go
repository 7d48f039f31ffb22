package cli

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/leviathan-agent/leviathan/internal/graph"
)

var failuresRecentCmd = &cobra.Command{
	Use:   "failures-recent",
	Short: "List recent failed or timed-out attempts",
	Long:  `failures-recent calls GET /v1/failures?target=&limit= and prints the most recent terminal failures.`,
	RunE:  runFailuresRecent,
}

func init() {
	rootCmd.AddCommand(failuresRecentCmd)
	failuresRecentCmd.Flags().String("target", "", "restrict to a single target id")
	failuresRecentCmd.Flags().Int("limit", 20, "maximum number of failures to return")
}

func runFailuresRecent(cmd *cobra.Command, args []string) error {
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

	var failures []graph.Attempt
	path := "/v1/failures"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := client.do(context.Background(), "GET", path, nil, &failures); err != nil {
		return err
	}

	if len(failures) == 0 {
		fmt.Println("No failures found.")
		return nil
	}

	fmt.Printf("%-36s %-20s %-12s %-10s %s\n", "ATTEMPT", "TASK", "STATUS", "KIND", "MESSAGE")
	for _, a := range failures {
		fmt.Printf("%-36s %-20s %-12s %-10s %s\n", a.ID, a.TaskID, a.Status, a.FailureKind, a.Message)
	}
	return nil
}
