package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/poolbet/internal/api"
	"github.com/atmx/poolbet/internal/app"
	"github.com/atmx/poolbet/internal/config"
	"github.com/atmx/poolbet/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log setup:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("poolbet stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("poolbet stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Services ---
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h := api.NewHandler(api.Deps{
		Accounts: a.Accounts,
		Stakes:   a.Stakes,
		Settler:  a.Settler,
		Auditor:  a.Auditor,
		Logger:   logger,
	})
	router := api.NewRouter(h, api.RouterOptions{
		RequestTimeout: 30 * time.Second,
		Limiter:        api.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("poolbet listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"moderation", cfg.Market.RequireModeration,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down poolbet...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
