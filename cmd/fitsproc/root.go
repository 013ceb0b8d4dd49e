package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fitsproc/pkg/config"
)

// Version is the application version.
const Version = "0.3.0"

var (
	configPath string
	envFile    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "fitsproc",
	Short:         "CCD acquisition post-processing server",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fitsproc.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with FITSPROC_* overrides")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// newLogger writes JSON records to stdout and, when logDir is usable, to
// logDir/fitsproc.log. The returned closer releases the file.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Paths.LogDir, "fitsproc.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
