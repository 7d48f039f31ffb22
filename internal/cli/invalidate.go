package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <attempt>",
	Short: "Mark an attempt invalidated so it no longer counts toward retry or circuit limits",
	Long: `invalidate calls POST /v1/attempts/{id}/invalidate. Invalidating an
already-invalidated attempt is a no-op (spec §8).`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
	invalidateCmd.Flags().String("reason", "", "operator-supplied reason recorded alongside the invalidation")
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")

	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}

	var result map[string]interface{}
	if err := client.do(context.Background(), "POST", "/v1/attempts/"+args[0]+"/invalidate", body, &result); err != nil {
		return err
	}

	if already, _ := result["alreadyInvalidated"].(bool); already {
		fmt.Printf("attempt %s was already invalidated\n", args[0])
		return nil
	}
	fmt.Printf("attempt %s invalidated\n", args[0])
	return nil
}
