package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/voike/pkg/mcp"
)

func newServeCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the FLOW and VASM tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}

			if cfg.MetricsAddr != "" {
				srv := &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Flow:          a.flow,
				Jobs:          a.queue,
				Schedules:     a.scheduler,
				Events:        a.events,
				Hub:           a.hub,
				Loader:        a.loader,
				Host:          a.hostBridge(),
				MaxSteps:      cfg.MaxSteps,
				DiagramBinDir: cfg.DiagramBinDir,
				Logger:        a.logger,
			})
			a.logger.Info("voike MCP server ready", "project", cfg.ProjectID, "db", cfg.DBPath)
			return srv.Serve(ctx)
		},
	}
}
