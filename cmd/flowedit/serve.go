package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MOV-AI/flowedit/config"
	"github.com/MOV-AI/flowedit/gateway/ws"
	"github.com/MOV-AI/flowedit/health"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/session"
)

const healthInterval = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr            string
		shutdownTimeout time.Duration
		origins         []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve editor sessions over websocket",
		Long: `Serve opens one editor session per websocket connection on /ws?flow=<id>.
Metrics are served on the configured metrics path and backend health on /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if cmd.Flags().Changed("addr") {
				cfg.Gateway.Addr = addr
			}
			return serve(cmd.Context(), cfg, origins, shutdownTimeout, loggerFrom(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "accepted websocket origins; empty accepts any")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, origins []string, shutdownTimeout time.Duration, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()

	b, err := openBackend(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Warn("Backend close failed", "error", err)
		}
	}()

	manager, err := session.NewManager(b.Backend, session.Options{
		Editor:    cfg.Editor,
		CacheSize: cfg.Templates.CacheSize,
		Logger:    logger,
	}, registry)
	if err != nil {
		return err
	}
	gateway, err := ws.NewServer(ws.Config{
		Manager:        manager,
		AllowedOrigins: origins,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(2*time.Second, logger)
	for name, probe := range b.probes {
		monitor.Register(name, probe)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle(cfg.Gateway.MetricsPath, registry.Handler())
	mux.Handle("/healthz", monitor.Handler(appName))
	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info("Gateway listening", "addr", cfg.Gateway.Addr, "metrics", cfg.Gateway.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections outlive srv.Shutdown.
		return errors.Join(srv.Shutdown(shutdownCtx), gateway.Shutdown(shutdownCtx), manager.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
