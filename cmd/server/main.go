package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chadiek/turn-agent/internal/config"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/profile"
)

var (
	flagAddr     string
	flagProfile  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "turn-agent",
	Short: "Half-duplex voice agent for browser and phone callers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagLogLevel != "" {
			logger.SetLevel(logger.ParseLevel(flagLogLevel))
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (WebRTC calls and Twilio webhooks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if flagLogLevel == "" {
			logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
		}
		if flagAddr != "" {
			cfg.HTTPAddress = flagAddr
		}
		if flagProfile != "" {
			cfg.BusinessProfile = flagProfile
		}
		return serve(cmd.Context(), cfg)
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the built-in business profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := profile.Builtin()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, k := range cat.Keys() {
			p := cat[k]
			fmt.Fprintf(out, "%-10s %s\n", k, p.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address; overrides HTTP_ADDRESS")
	serveCmd.Flags().StringVar(&flagProfile, "profile", "", "business profile; overrides BUSINESS_PROFILE")
	rootCmd.AddCommand(serveCmd, profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
