/*
main.go - Application entry point

PURPOSE:
  Command-line front door of the points ledger. The default "serve"
  command runs the HTTP API; the other commands operate on the same
  store for maintenance and demos.

COMMANDS:
  serve             HTTP API, reconciliation schedule, promotion delivery
  levels            Print the active level table
  replay USER_ID    Verify one user's hash chain and print the replayed balance
  reconcile         Reconcile every user once (--repair to fix drift)
  seed SCENARIO     Load a demo scenario (--list to show them)
  token USER_ID     Issue a signed API token (--role, --ttl)

CONFIGURATION:
  Environment variables with the POINTS_ prefix, optionally from a .env
  file. See config/config.go for the full list. The ledger policy comes
  from POINTS_POLICY_FILE (JSON or TOML) or the built-in defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (POINTS_SHUTDOWN_TIMEOUT)
  3. Stop the reconciliation schedule, waiting for a running pass
  4. Drain queued promotion deliveries
  5. Close the database

EXAMPLES:
  # Run with a file database
  POINTS_SQLITE_PATH=./data/points.db points-ledger serve

  # Run against PostgreSQL with JWT identity
  POINTS_DB_DRIVER=postgres POINTS_POSTGRES_URL=postgres://... \
  POINTS_JWT_SECRET=change-me points-ledger serve

  # Repair drift once from cron or a job runner
  points-ledger reconcile --repair

SEE ALSO:
  - commands.go: Command implementations
  - api/server.go: Router configuration
  - config/config.go: Environment settings
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/points-ledger/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "points-ledger",
	Short:         "Community points and level ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
