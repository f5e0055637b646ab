package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/a-essam23/vibemap/internal/server"
	"github.com/a-essam23/vibemap/pkg/config"
	"github.com/a-essam23/vibemap/pkg/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vibemap",
	Short: "VibeMap real-time location, vibe and call signaling server",
	Long: `vibemap serves a WebSocket endpoint where map clients publish location
pings and vibe tags, receive nearby users and global vibe changes, and relay
WebRTC signaling for video rooms.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configName, _ := cmd.Flags().GetString("config")
		configDirs, _ := cmd.Flags().GetStringSlice("config-dir")
		return serve(configName, configDirs)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vibemap %s (%s)\n", Version, Commit)
	},
}

func init() {
	serveCmd.Flags().String("config", "config", "config file name without extension")
	serveCmd.Flags().StringSlice("config-dir", []string{"."}, "directories searched for the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func serve(configName string, configDirs []string) error {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, configName, configDirs...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.NewWithWriter(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := server.OpenStores(ctx, logger, cfg)
	if err != nil {
		return err
	}
	app, err := server.NewApp(logger, ctx, cfg, stores)
	if err != nil {
		_ = stores.Close()
		return err
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
