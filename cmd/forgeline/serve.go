package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/config"
	"github.com/forgeline/forgeline/engine"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/service"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/surface"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level, cfg.Log.Format)
			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, err := substrate.NewNATSBus(substrate.NATSBusConfig{
		URL:       cfg.NATS.URL,
		Namespace: cfg.NATS.Namespace,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("close bus", "error", err)
		}
	}()

	reg := registry.New(st, logger)
	rt := router.New(st, logger)
	gate := surface.New(st, logger)

	eng := engine.New(st, bus, rt, reg, engine.Config{
		ConsumerName:          cfg.Engine.ConsumerName,
		CASRetries:            cfg.Engine.CASRetries,
		PendingReaperInterval: cfg.Engine.PendingReaperInterval,
		PendingAge:            cfg.Engine.PendingAge,
		TimeoutReaperInterval: cfg.Engine.TimeoutReaperInterval,
	}, logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	workflows := service.NewWorkflowService(st, gate, rt, reg, eng, logger)
	admin := service.NewAdminService(st, rt, gate, logger)
	api := service.NewAPI(workflows, admin, logger)

	mux := http.NewServeMux()
	api.Register(mux)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

// openStore selects the Postgres store when a database URL is configured and
// falls back to the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewMemStore(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}, nil
}
