package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leviathan-agent/leviathan/internal/graph"
)

var graphSummaryCmd = &cobra.Command{
	Use:   "graph-summary",
	Short: "Print node and edge counts from the graph projection",
	Long: `graph-summary calls GET /v1/graph/summary and prints the
projection's current node counts, edge counts, and the most recent
events folded in.`,
	RunE: runGraphSummary,
}

func init() {
	rootCmd.AddCommand(graphSummaryCmd)
}

func runGraphSummary(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var summary graph.Summary
	if err := client.do(context.Background(), "GET", "/v1/graph/summary", nil, &summary); err != nil {
		return err
	}

	fmt.Println("Nodes:")
	for kind, n := range summary.NodeCounts {
		fmt.Printf("  %-12s %d\n", kind, n)
	}
	fmt.Println("Edges:")
	for kind, n := range summary.EdgeCounts {
		fmt.Printf("  %-20s %d\n", kind, n)
	}
	fmt.Printf("Last %d event(s):\n", len(summary.LastEvents))
	for _, e := range summary.LastEvents {
		fmt.Printf("  [%d] %-24s %s\n", e.Sequence, e.EventType, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
