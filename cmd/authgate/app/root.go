// Package app wires the authgate binary's cobra commands.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-dm/jwt-authorizer/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "NGINX forward-auth gateway",
	Long: `authgate is the forward-auth gateway NGINX delegates authentication
decisions to via auth_request: it issues and verifies opaque bearer
tokens, drives the upstream GitHub/OIDC login flow, mints short-lived
internal tokens for downstream services, and exposes a JSON API for
token and admin management.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the gateway's YAML configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Fatalf("failed to bind config flag: %v", err)
	}
}

// RootCmd returns the authgate root command with all subcommands wired.
func RootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.SilenceUsage = true
	return rootCmd
}
