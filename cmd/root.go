package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/utils"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg config.Config

	configPath string
	envFile    string
	logLevel   string
)

// Version is the application version.
const Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:          "tvwatch",
	Short:        "Presence monitor: who is watching the TV, and when",
	Version:      Version, // This enables the --version flag
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env next to the binary is optional; it only seeds the environment
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", envFile).Warn("Failed to load env file")
		}

		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		log.SetLevel(level)

		if !cmd.Flags().Changed("config") {
			if env := os.Getenv("TVWATCH_CONFIG"); env != "" {
				configPath = env
			}
		}
		Cfg = config.Load(configPath)
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the JSON config file (env: TVWATCH_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
