package main

import (
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-core/internal/ai"
	"github.com/suPer8Hu/chat-core/internal/app"
	"github.com/suPer8Hu/chat-core/internal/config"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cli carries state shared by the commands of one invocation.
type cli struct {
	driver   string
	dsn      string
	logLevel string
	provider string

	// engine overrides the configured provider, for tests
	engine ai.Engine
	app    *app.App
}

func newRootCmd(c *cli) *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Inspect and drive chat sessions from the terminal",
		Long: `chatctl works directly against the chat database.

Quick Start:
  chatctl sessions                  # List sessions, most recent first
  chatctl send "Hello"              # Start a new session and stream the reply
  chatctl send -s <id> "And then?"  # Continue a session
  chatctl export <id> --format md   # Export a transcript`,
		Version:       version + " (commit: " + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.DBDriver = c.driver
			cfg.DBDSN = c.dsn
			cfg.AIProvider = c.provider

			var log *zap.Logger
			if c.logLevel != "" {
				l, err := logging.New(c.logLevel)
				if err != nil {
					return err
				}
				log = l
			}

			a, err := app.New(cmd.Context(), cfg, c.engine, log)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.driver, "driver", cfg.DBDriver, "database driver (sqlite, mysql)")
	f.StringVar(&c.dsn, "dsn", cfg.DBDSN, "database DSN")
	f.StringVar(&c.provider, "provider", cfg.AIProvider, "ai provider used by send")
	f.StringVar(&c.logLevel, "log-level", "", "enable logging to stderr at this level")

	root.AddCommand(
		newSessionsCmd(c),
		newShowCmd(c),
		newSendCmd(c),
		newRenameCmd(c),
		newDeleteCmd(c),
		newExportCmd(c),
		newModelsCmd(c, cfg),
	)
	return root
}
