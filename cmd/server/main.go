/*
main.go - Application entry point

PURPOSE:
  Command line for the story engine server: serving HTTP plus the
  operational commands that share its configuration.

COMMANDS:
  serve                     Run the HTTP API and background scheduler
  migrate                   Create or update the schema, optionally seed stories
  reconcile [--repair]      Compare balance counters with the ledger
  catalog validate <file>   Check a YAML/JSON story catalog

CONFIGURATION:
  STORY_* environment variables (see config/config.go). The persistent
  flags --db-driver, --db-dsn and --log-level override them.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close the store

EXAMPLES:
  # SQLite file database with demo stories
  story-server migrate --seed-demo
  story-server serve

  # Throwaway in-memory server with dev routes
  story-server serve --db-driver=memory --dev-routes

  # PostgreSQL
  STORY_DB_DRIVER=postgres STORY_DB_DSN=postgres://localhost/story story-server serve

SEE ALSO:
  - wire.go: Store selection and dependency wiring
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/story-engine/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions holds the resolved configuration for every command.
type rootOptions struct {
	cfg    config.Config
	logger *slog.Logger

	dbDriver string
	dbDSN    string
	logLevel string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "story-server",
		Short:         "Interactive story engine",
		Long:          "Pay-per-chapter interactive stories: wallet ledger, session engine and rule scheduler.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dbDriver, "db-driver", "", "storage driver (sqlite|postgres|memory)")
	cmd.PersistentFlags().StringVar(&opts.dbDSN, "db-dsn", "", "database file or URL")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))

	return cmd
}

// load reads the environment, applies flag overrides and sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.DBDriver = o.dbDriver
	}
	if flags.Changed("db-dsn") {
		cfg.DBDSN = o.dbDSN
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(o.logger)
	o.cfg = cfg
	return nil
}
