package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"fitsproc/pkg/config"
	"fitsproc/pkg/emitter"
	"fitsproc/pkg/listener"
	"fitsproc/pkg/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for process/stop commands and process acquisitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()
		return runServe(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var sink pipeline.OutcomeSink
	if cfg.MQTT.Broker != "" {
		em := emitter.New(emitter.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		// the client keeps retrying in the background
		if err := em.Connect(ctx); err != nil {
			logger.Warn("mqtt broker unavailable, outcomes will be published once connected", "error", err)
		}
		defer em.Disconnect()
		sink = em
	}

	worker, err := pipeline.NewWorker(pipeline.OptionsFromConfig(cfg), sink, logger)
	if err != nil {
		return err
	}

	l, err := listener.Listen(cfg.Address(), worker, listener.Options{
		MaxConcurrent: cfg.Workers.MaxConcurrent,
		DrainOnStop:   cfg.Workers.DrainOnStop,
		DrainTimeout:  cfg.Workers.DrainTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to bind command socket", "addr", cfg.Address(), "error", err)
		return err
	}
	defer l.Close()

	logger.Info("fitsproc started",
		"version", Version,
		"addr", l.Addr().String(),
		"processed_root", cfg.Paths.ProcessedRoot,
		"repository_root", cfg.Paths.RepositoryRoot,
		"max_concurrent", cfg.Workers.MaxConcurrent)

	if err := l.Serve(ctx); err != nil {
		logger.Error("listener failed", "error", err)
		return err
	}
	logger.Info("fitsproc stopped")
	return nil
}
