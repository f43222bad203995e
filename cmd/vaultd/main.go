// Command vaultd serves the vault HTTP API and runs the orchestrator and
// dispatcher worker loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/content-vault/internal/logging"
	"github.com/tendant/content-vault/pkg/vault/api"
	"github.com/tendant/content-vault/pkg/vault/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithFile(os.Getenv("VAULT_CONFIG")), config.WithEnv())
	if err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("Failed to create logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("vaultd stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.BuildPipeline(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	router, err := newRouter(cfg, rt, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("vaultd listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.TransformURL != "" {
		for i := range cfg.OrchestratorWorkers {
			g.Go(func() error {
				logger.Info("orchestrator worker started", "worker", i)
				return ignoreCancel(rt.Orchestrator.Run(gctx))
			})
		}
	} else {
		logger.Warn("TRANSFORM_URL not set; transformation jobs will wait for another worker")
	}

	if platforms := rt.Dispatcher.Platforms(); len(platforms) > 0 {
		for i := range cfg.DispatcherWorkers {
			g.Go(func() error {
				logger.Info("dispatcher worker started", "worker", i, "platforms", platforms)
				return ignoreCancel(rt.Dispatcher.Run(gctx))
			})
		}
	} else {
		logger.Warn("SINK_URLS not set; publish jobs will wait for another worker")
	}

	return g.Wait()
}

func newRouter(cfg *config.Config, rt *config.Runtime, logger *slog.Logger) (http.Handler, error) {
	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	handler := api.NewHandler(rt.Pipeline, logger)

	var apiKeyMiddleware func(http.Handler) http.Handler
	if cfg.APIKeySHA256 != "" {
		mw, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
			APIKeys: map[string]string{
				"key1": cfg.APIKeySHA256,
			},
		})
		if err != nil {
			return nil, err
		}
		apiKeyMiddleware = mw
	} else {
		logger.Warn("API_KEY_SHA256 not set; the API is unauthenticated")
	}

	server.R.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.RequestID)
		r.Use(api.LoggingMiddleware(logger))
		r.Group(func(r chi.Router) {
			if apiKeyMiddleware != nil {
				r.Use(apiKeyMiddleware)
			}
			r.Mount("/", handler.Routes())
		})
	})

	return server.R, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
