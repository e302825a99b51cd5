package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	h "github.com/veranemoloko/download-queue/internal/api/http"
	cfgpkg "github.com/veranemoloko/download-queue/internal/config"
	"github.com/veranemoloko/download-queue/internal/events"
	repo "github.com/veranemoloko/download-queue/internal/repository"
	svc "github.com/veranemoloko/download-queue/internal/service"
	"github.com/veranemoloko/download-queue/internal/storage"
	"github.com/veranemoloko/download-queue/internal/worker"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully",
		"store_driver", cfg.StoreDriver,
		"max_concurrent", cfg.MaxConcurrent,
		"download_dir", cfg.DownloadDir,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func openRepo(cfg *cfgpkg.Config) (repo.TaskRepo, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return repo.NewSQLiteStorage(cfg.SQLitePath)
	default:
		return repo.NewTaskStorage(cfg.StateFile)
	}
}

func run(cfg *cfgpkg.Config, logger *slog.Logger) error {
	taskRepo, err := openRepo(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s repository: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := taskRepo.Close(); err != nil {
			logger.Error("failed to close repository", "error", err)
		}
	}()

	files := storage.NewFileStorage(cfg.DownloadDir)
	broker := events.NewBroker(logger)

	coordinator := svc.NewCoordinator(svc.Options{
		MaxConcurrent:   cfg.MaxConcurrent,
		RetainFinished:  cfg.RetainFinished,
		RetentionWindow: cfg.RetentionWindow,
		Transfer: worker.Options{
			ReadTimeout: cfg.ReadTimeout,
			UserAgent:   cfg.UserAgent,
		},
	}, files, worker.NewHTTPClient(cfg.ConnectTimeout), taskRepo, broker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Recover(ctx); err != nil {
		logger.Error("failed to recover pending tasks", "error", err)
	}

	// Request contexts end when shutdown starts so open event streams return.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	router := h.NewRouter(coordinator, files, broker, cfg.AllowPrivateHosts, logger)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: cfg.HTTPTimeout,
		IdleTimeout: cfg.HTTPTimeout,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return coordinator.RunJanitor(gctx, cfg.JanitorInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		} else {
			logger.Info("server stopped gracefully")
		}
		return coordinator.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
