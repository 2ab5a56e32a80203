// Package cmd is the parlo CLI: the gateway process plus operator commands
// for migrations, onboarding, and diagnostics.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parlolabs/parlo/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/parlolabs/parlo/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "parlo",
	Short: "Parlo — WhatsApp appointment booking assistant",
	Long:  "Parlo runs an AI booking assistant for small service businesses over WhatsApp: availability, bookings, cancellations, reschedules, and human handoff.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: parlo.json5 or $PARLO_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parlo %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("PARLO_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// logLevel backs every handler so the level can change on config reload.
var logLevel = new(slog.LevelVar)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel.Set(parseLevel(cfg.LogLevel))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
