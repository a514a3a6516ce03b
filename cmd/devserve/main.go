package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jjshanks/devserve/internal/config"
	"github.com/jjshanks/devserve/internal/server"
	"github.com/jjshanks/devserve/internal/task"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "devserve",
		Short: "Development server for static front-end projects",
		Long: `Serves a project's static files with live reload and, when an API
module is configured, a mock API server next to it. Both servers share the
same middleware and, with --https, the same TLS certificate.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			cfg.InitializeLogging()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, err := cfg.NewLogger(os.Stdout)
			if err != nil {
				return err
			}

			runner := task.NewRunner(logger, task.WithServerOptions(server.WithVersion(version)))
			return runner.Run(context.Background(), cfg)
		},
	}
)

// loadConfig reads file and environment configuration, then applies the
// --port override so every later log line and URL uses the effective port.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyPortOverride(port); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func init() {
	// Configure default zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Persistent flags belong to all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("console", false, "Use console log format instead of JSON")

	// Local flags for the root command
	rootCmd.Flags().Int("port", config.DefaultPort, "Port for the static file server")
	rootCmd.Flags().Bool("nobrowser", false, "Do not open a browser on startup")
	rootCmd.Flags().Bool("https", false, "Serve over HTTPS")

	for _, name := range []string{"log-level", "console"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("Failed to bind flag")
		}
	}
	for _, name := range []string{"nobrowser", "https"} {
		if err := viper.BindPFlag(name, rootCmd.Flags().Lookup(name)); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("Failed to bind flag")
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Error executing command")
	}
}
