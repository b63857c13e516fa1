// Package cli implements the mobgo command line client. It speaks the
// portal's own delegation protocol, so everything the CLI can do a
// peer portal can do too.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/mobgo/internal/logging"
)

var (
	flagPortal    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultPortal returns the portal URL, checking MOBGO_PORTAL first.
func defaultPortal() string {
	if s := os.Getenv("MOBGO_PORTAL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the mobgo CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mobgo",
		Short: "mobgo submits and monitors bioinformatics jobs on a portal",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagPortal, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagPortal, "portal", defaultPortal(), "Portal URL (or MOBGO_PORTAL env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newKillCmd(),
		newListCmd(),
		newServicesCmd(),
	)

	return root
}
