package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/gateway"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// run builds the application, serves every enabled listener and shuts down
// gracefully on SIGINT or SIGTERM.
func run(flags cliFlags, cfg *config.MeshConfig, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.close(closeCtx)
	}()

	if err := app.start(ctx); err != nil {
		return err
	}

	if flags.watch && flags.configPath != "" {
		watcher, err := startConfigWatcher(ctx, app, flags.configPath)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	return app.serve(ctx)
}

// start runs the background loops. The catalog is loaded before any
// listener opens so discovery never answers from an empty registry.
func (app *application) start(ctx context.Context) error {
	if err := app.loadVaultKeys(ctx); err != nil {
		// The gateway still accepts statically configured keys.
		app.logger.Error("failed to load API keys from vault", observability.Error(err))
	}
	if app.mirror != nil {
		if err := app.mirror.Start(ctx); err != nil {
			return fmt.Errorf("start catalog mirror: %w", err)
		}
	}
	app.sweeper.Start(ctx)
	return nil
}

// serve runs the listeners until ctx is done or one of them fails.
func (app *application) serve(ctx context.Context) error {
	cfg := app.config.Listeners
	g, gctx := errgroup.WithContext(ctx)

	var servers []*http.Server
	listen := func(name, addr string, handler http.Handler) {
		if addr == "" {
			return
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		}
		servers = append(servers, srv)
		g.Go(func() error {
			app.logger.Info("listener started",
				observability.String("listener", name),
				observability.String("addr", addr),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			return nil
		})
	}

	listen("gateway", cfg.Gateway, gateway.NewEngine(app.gateway, gateway.DefaultMaxRequestBodyBytes))
	listen("metrics", cfg.Metrics, app.metrics.Handler())
	if cfg.Admin != "" {
		g.Go(func() error {
			return app.admin.ListenAndServe(cfg.Admin)
		})
	}
	if app.dns != nil {
		g.Go(func() error {
			if err := app.dns.ListenAndServe(cfg.DNS); err != nil {
				return fmt.Errorf("dns listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		errs := []error{app.admin.Shutdown(shutdownCtx)}
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		if app.dns != nil {
			errs = append(errs, app.dns.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// startConfigWatcher hot-reloads routes and quotas. Other settings need a
// restart.
func startConfigWatcher(ctx context.Context, app *application, path string) (*config.Watcher, error) {
	logger := app.logger.With(observability.String("component", "config"))

	watcher, err := config.NewWatcher(path, func(cfg *config.MeshConfig) {
		if err := app.gateway.SyncRoutes(cfg.Routes); err != nil {
			logger.Error("route reload rejected", observability.Error(err))
		}
		app.quota.Update(cfg.Quota)
	},
		config.WithLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Warn("configuration reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}
	return watcher, nil
}
