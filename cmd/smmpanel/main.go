// Package main запускает HTTP-сервер SMM-панели.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avoronkov/smmpanel-system/internal/catalog"
	"github.com/avoronkov/smmpanel-system/internal/config"
	"github.com/avoronkov/smmpanel-system/internal/handler"
	"github.com/avoronkov/smmpanel-system/internal/middleware"
	"github.com/avoronkov/smmpanel-system/internal/provider"
	"github.com/avoronkov/smmpanel-system/internal/repository"
	"github.com/avoronkov/smmpanel-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	cat := catalog.Default()
	if cfg.ServicesFile != "" {
		cat, err = catalog.LoadFile(cfg.ServicesFile)
		if err != nil {
			sugar.Fatalw("services catalog error", "error", err.Error())
		}
	}

	var gateway provider.Gateway
	if cfg.UseRealProvider {
		gateway = provider.NewClient(cfg.ProviderAddress, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	} else {
		gateway = provider.NewMock()
		sugar.Infow("provider calls are mocked", "hint", "set USE_REAL_PROVIDER=true for real calls")
	}

	svc := service.NewService(repo, cat, gateway, cfg.ProviderTimeout, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smmpanel server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
