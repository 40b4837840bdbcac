package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/internal/config"
	"github.com/loykin/gatekeeper/internal/server"
)

// ServeFlags override the [server] and [metrics] config sections.
type ServeFlags struct {
	Listen        string
	BasePath      string
	MetricsListen string
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API and the event stream. The gateway started through the API
lives as long as this process and is stopped on shutdown.

Examples:
  gatekeeper serve
  gatekeeper serve --listen 127.0.0.1:18790 --base-path /api
  gatekeeper serve --config gatekeeper.toml --metrics-listen :9464`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = sf.Listen
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = sf.BasePath
			}
			if cmd.Flags().Changed("metrics-listen") {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Listen = sf.MetricsListen
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "API listen address (default from config)")
	cmd.Flags().StringVar(&sf.BasePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().StringVar(&sf.MetricsListen, "metrics-listen", "", "serve /metrics on this address; empty mounts it on the API")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	app, err := gatekeeper.New(cfg)
	if err != nil {
		return err
	}
	log := app.Logger()
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(app, cfg.Server.BasePath)
	servers := []*http.Server{}
	if cfg.Metrics.Enabled {
		if err := app.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		if cfg.Metrics.Listen == "" {
			router = router.WithMetrics(app.MetricsHandler())
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", app.MetricsHandler())
			servers = append(servers, server.NewServer(cfg.Metrics.Listen, mux))
		}
	}
	servers = append([]*http.Server{server.NewServer(cfg.Server.Listen, router.Handler())}, servers...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Run(gctx)
		return nil
	})
	for _, srv := range servers {
		// ends event streams on shutdown
		srv.BaseContext = func(net.Listener) context.Context { return gctx }
		g.Go(func() error {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		log.Info("server stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}
