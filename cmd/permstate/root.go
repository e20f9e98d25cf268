package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"permstate/internal/config"
	"permstate/internal/logging"
	"permstate/internal/service"
)

// global flags
var (
	logLevel  string
	logFormat string
)

// cfg is loaded once before any subcommand runs
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "permstate",
	Short: "Observe and administer permission states",
	Long: `permstate keeps one live query per permission and shares its state
with every watcher. States live in a NATS KV bucket that this tool can
serve over HTTP, watch, read and write.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			loaded.Logging.Format = logFormat
		}
		cfg = loaded
		log.Logger = logging.New(cfg.Logging)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("execution failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (console, json)")

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func newBuilder() *service.ServiceBuilder {
	return service.NewServiceBuilder(cfg).WithLogger(log.Logger)
}
