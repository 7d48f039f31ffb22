package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leviathan-agent/leviathan/internal/graph"
)

var attemptsShowCmd = &cobra.Command{
	Use:   "attempts-show <id>",
	Short: "Show one attempt and the edges that reference it",
	Long:  `attempts-show calls GET /v1/attempts/{id} and prints the attempt's full detail.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAttemptsShow,
}

func init() {
	rootCmd.AddCommand(attemptsShowCmd)
}

func runAttemptsShow(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var view graph.AttemptView
	if err := client.do(context.Background(), "GET", "/v1/attempts/"+args[0], nil, &view); err != nil {
		return err
	}

	a := view.Attempt
	fmt.Printf("Attempt:      %s\n", a.ID)
	fmt.Printf("Task:         %s\n", a.TaskID)
	fmt.Printf("Target:       %s\n", a.TargetID)
	fmt.Printf("Attempt #:    %d\n", a.AttemptNumber)
	fmt.Printf("Created:      %s\n", a.CreatedAt)
	fmt.Printf("Started:      %s\n", a.StartedAt)
	fmt.Printf("Completed:    %s\n", a.CompletedAt)
	status := string(a.Status)
	if status == "" {
		status = "running"
	}
	fmt.Printf("Status:       %s\n", status)
	if a.FailureKind != "" {
		fmt.Printf("Failure kind: %s\n", a.FailureKind)
		fmt.Printf("Message:      %s\n", a.Message)
	}
	if a.PRNumber != "" {
		fmt.Printf("PR:           #%s\n", a.PRNumber)
	}
	if a.Invalidated {
		fmt.Println("Invalidated:  true")
	}
	fmt.Printf("Edges (%d):\n", len(view.Edges))
	for _, e := range view.Edges {
		fmt.Printf("  %s -[%s]-> %s\n", e.From, e.Kind, e.To)
	}
	return nil
}
