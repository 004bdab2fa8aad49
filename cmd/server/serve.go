package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/story-engine/api"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	addr      string
	catalog   string
	devRoutes bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.HTTPAddr = opts.addr
			}
			if cmd.Flags().Changed("catalog") {
				root.cfg.CatalogPath = opts.catalog
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.catalog, "catalog", "", "YAML/JSON story catalog file")
	cmd.Flags().BoolVar(&opts.devRoutes, "dev-routes", false, "mount /api/scenarios and allow free-form topups")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, logger := root.cfg, root.logger

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.handler.DirectTopup = opts.devRoutes

	router := api.NewRouter(a.handler, api.RouterOptions{
		Identity: api.Identity{
			JWTSecret:   []byte(cfg.JWTSecret),
			TrustHeader: cfg.JWTSecret == "",
		},
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     a.metrics,
		DevRoutes:   opts.devRoutes,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.jobs.Start(ctx)
	defer a.jobs.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.HTTPAddr, "driver", cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
