package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/config"
	"github.com/entrepeneur4lyf/threadbridge/internal/logging"
	"github.com/spf13/cobra"
)

var (
	debug      bool
	configFile string
)

// Loaded by the root command before any subcommand runs
var (
	cfg    *config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "threadbridge",
	Short: "Discord threads backed by OpenAI assistants",
	Long: `threadbridge mirrors Discord threads into OpenAI assistant sessions.

Mention the bot in a channel to start a thread. Every message in the thread is
added to the session and mentions get a streamed answer. Edits rebuild the
session from the edited message and deletes remove messages or whole threads.

Usage:
  threadbridge                     # Run the bot (same as serve)
  threadbridge relations list      # Inspect thread relations`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile, debug)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.ValidateLog(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default .threadbridge.json in . or $HOME)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relationsCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
