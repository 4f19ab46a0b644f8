// Package cli implements the expertly command line client.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	apiURL     string
	email      string
	password   string
	envFile    string
	logLevel   string
	logFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "expertly",
	Short: "Talk to experts from the terminal",
	Long: `expertly is a command-line client for the expertly consulting service.

It signs in, lists experts and sessions, opens new sessions and runs a live
chat for an open session.

Environment Variables:
  EXPERTLY_API_URL          Backend URL (default: http://localhost:8080)
  EXPERTLY_EMAIL            Account email, used when --email is not given
  EXPERTLY_PASSWORD         Account password, used when --password is not given
  EXPERTLY_RECONNECT_DELAY  Delay between chat reconnects (default: 5s)
  EXPERTLY_MAX_RECONNECTS   Reconnect attempts before giving up (default: 10, 0 = no limit)
  EXPERTLY_LOG_LEVEL        debug, info, warn or error (default: warn)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&apiURL, "api-url", "", "Backend URL (overrides EXPERTLY_API_URL)")
	flags.StringVar(&email, "email", "", "Account email (overrides EXPERTLY_EMAIL)")
	flags.StringVar(&password, "password", "", "Account password (overrides EXPERTLY_PASSWORD)")
	flags.StringVar(&envFile, "env", ".env", "dotenv file to load")
	flags.StringVar(&logLevel, "log-level", "", "Log level (overrides EXPERTLY_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	flags.BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-readable text")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
