package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/deskpal/deskpal/cmd/deskpal/internal/config"
)

var (
	// Global flags
	verbose bool
	cfgPath string

	// Global configuration (loaded at init time)
	globalConfig  *config.Config
	configLoadErr error
)

var rootCmd = &cobra.Command{
	Use:   "deskpal",
	Short: "Desktop voice assistant shell",
	Long: `deskpal - a desktop voice assistant shell.

It connects to an agent gateway for chat turns, segments streamed
replies into sentences, and synthesizes speech in sentence order so
audio starts before the full reply is known.

Configuration is stored in the OS config directory:
  macOS:   ~/Library/Application Support/deskpal/config.yaml
  Linux:   ~/.config/deskpal/config.yaml
  Windows: %AppData%/deskpal/config.yaml

Examples:
  # One-shot message
  deskpal run "今天天气怎么样？"

  # Interactive session
  deskpal chat

  # Inspect deferred task records
  deskpal task list`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: OS config dir)")
}

func initConfig() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFrom(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration, or the load error if it
// could not be read.
func GetConfig() (*config.Config, error) {
	if configLoadErr != nil {
		return nil, fmt.Errorf("load config: %w", configLoadErr)
	}
	if globalConfig == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return globalConfig, nil
}

// IsVerbose reports whether --verbose was set.
func IsVerbose() bool {
	return verbose
}
