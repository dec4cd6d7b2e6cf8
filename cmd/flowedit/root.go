package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MOV-AI/flowedit/config"
)

type ctxKey int

const (
	configKey ctxKey = iota
	loggerKey
)

func newRootCmd() *cobra.Command {
	var (
		layers    []string
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           appName,
		Short:         "Flow graph editor service",
		Long:          `flowedit keeps flow graphs in sync with their store, validates them and serves editing sessions over websocket.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader()
			for _, l := range layers {
				loader.AddLayer(l)
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			logger := setupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)
			logger.Debug("Configuration loaded", "config", cfg.String())

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("%s %s\nbuilt: %s\n", appName, Version, BuildTime))
	root.PersistentFlags().StringSliceVarP(&layers, "config", "c", nil, "configuration file; repeat to layer files (env: FLOWEDIT_*)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: json, text")

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), configFrom(cmd.Context()).String())
			return err
		},
	}
}
