package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// options are shared by every subcommand.
type options struct {
	relayURL  string
	apiURL    string
	userID    string
	partnerID string
	name      string
	stun      string
	timeout   time.Duration
}

var (
	opts       options
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "duet-peer",
	Short: "Terminal client for a two-person conversation on a Duet relay",
	Long: `duet-peer connects one user to a Duet relay and syncs messages,
quizzes and calls with a single partner.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyConfig(cfg, cmd.Flags(), &opts)
		}
		if opts.userID == "" {
			return fmt.Errorf("--user is required")
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	_ = godotenv.Load(".env")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", os.Getenv("DUET_CONFIG"), "YAML config file")
	flags.StringVar(&opts.relayURL, "relay", envOr("DUET_RELAY_URL", "ws://localhost:8080/ws"), "relay WebSocket URL")
	flags.StringVar(&opts.apiURL, "api", envOr("DUET_API_URL", "http://localhost:8080"), "relay HTTP API base URL")
	flags.StringVarP(&opts.userID, "user", "u", os.Getenv("DUET_USER"), "your user id")
	flags.StringVarP(&opts.partnerID, "partner", "p", os.Getenv("DUET_PARTNER"), "partner user id")
	flags.StringVar(&opts.name, "name", os.Getenv("DUET_NAME"), "display name to publish on connect")
	flags.StringVar(&opts.stun, "stun", envOr("DUET_STUN", "stun:stun.l.google.com:19302"), "STUN server for calls")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP request timeout")
}
