package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/threadmesh/transport/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve thread executions over HTTP, SSE and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			h := httpapi.NewHandler(a.engine, a.runner, a.registry, func(o *httpapi.Options) {
				if cfg.Trace.Enabled {
					o.Traces = a.traces
				}
				o.Metrics = a.telemetry.Handler()
				o.Defaults = cfg.ReactOptions()
				o.Logger = a.logger.WithComponent("http")
			})
			e := httpapi.NewServer(h)

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http.listening", "addr", cfg.HTTP.Addr, "threads", a.registry.List())
				if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("http.shutdown")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}
