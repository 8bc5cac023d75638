package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/imdevinc/roomshare/internal/config"
	"github.com/imdevinc/roomshare/internal/util"
)

const (
	envConfigKey = "ROOMSHARE_CONFIG"
	envDBKey     = "ROOMSHARE_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"

	configPath string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "roomshare",
	Short: "Share files between members of a room over a peer mesh",
	Long: `roomshare runs either the signaling relay or a room member.

Room members link directly to each other, advertise the content they hold
and fetch files from one another once the relay has purged its copy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("roomshare version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (overrides default)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to cache database file (overrides default)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return nil
}

// loadConfig reads the configuration with precedence: CLI flag > env var >
// XDG default. A missing default file yields an empty configuration so the
// commands can run from flags alone.
func loadConfig() (*config.Config, error) {
	path := configPath
	explicit := path != ""
	if path == "" {
		if envPath := os.Getenv(envConfigKey); envPath != "" {
			path = envPath
			explicit = true
		} else {
			path = util.GetDefaultConfigPath()
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		slog.Debug("No configuration file, using flags", "path", path)
		return &config.Config{}, nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Configuration loaded", "path", path)
	return cfg, nil
}

// resolveDBPath applies precedence: CLI flag > env var > XDG default
func resolveDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if envPath := os.Getenv(envDBKey); envPath != "" {
		return envPath
	}
	return util.GetDefaultDBPath()
}
