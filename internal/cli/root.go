// Package cli implements leviathanctl, the read-mostly operator CLI
// that maps one-to-one onto the control-plane API (spec §6.5).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leviathan-agent/leviathan/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "leviathanctl",
	Short: "Operator CLI for the Leviathan autonomous agent platform",
	Long: `leviathanctl is the read-mostly operator CLI for Leviathan.

Each subcommand maps one-to-one onto a control-plane API endpoint:
graph summaries, attempt lookups, recent failures, and invalidating a
bad attempt. It never talks to the journal or a target repository
directly — only through the control-plane API.

Configure the API address and token with LEVIATHAN_API_URL and
LEVIATHAN_CONTROL_PLANE_TOKEN, or the equivalent --api-url/--token
flags.

Example:
  leviathanctl attempts-list --target acme/demo --limit 20`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .leviathanctl.yaml)")
	rootCmd.PersistentFlags().String("api-url", "", "control-plane API base URL (env LEVIATHAN_API_URL)")
	rootCmd.PersistentFlags().String("token", "", "control-plane bearer token (env LEVIATHAN_CONTROL_PLANE_TOKEN)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "request timeout (default 10s)")

	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("control_plane_token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(exitTransportFailure)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".leviathanctl")
	}

	viper.SetEnvPrefix("LEVIATHAN")
	viper.AutomaticEnv()
	// LEVIATHAN_API_URL -> api_url, LEVIATHAN_CONTROL_PLANE_TOKEN -> control_plane_token
	_ = viper.BindEnv("api_url", "LEVIATHAN_API_URL")
	_ = viper.BindEnv("control_plane_token", "LEVIATHAN_CONTROL_PLANE_TOKEN")

	_ = viper.ReadInConfig() // absent config file is not an error; env/flags suffice
}
