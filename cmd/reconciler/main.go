// Package main запускает HTTP-сервер сервиса сверки бронирований, платежей и промоакций.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/marketplace-reconciler/internal/catalog"
	"github.com/mmeshcher/marketplace-reconciler/internal/config"
	"github.com/mmeshcher/marketplace-reconciler/internal/handler"
	"github.com/mmeshcher/marketplace-reconciler/internal/idempotency"
	"github.com/mmeshcher/marketplace-reconciler/internal/metrics"
	"github.com/mmeshcher/marketplace-reconciler/internal/middleware"
	"github.com/mmeshcher/marketplace-reconciler/internal/notify"
	"github.com/mmeshcher/marketplace-reconciler/internal/repository"
	"github.com/mmeshcher/marketplace-reconciler/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		sugar.Fatalw("catalog initialization error", "error", err.Error())
	}

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			sugar.Fatalw("event broker initialization error", "error", err.Error())
		}
		defer publisher.Close()
		dispatcher = publisher
	}

	var store middleware.IdempotencyStore
	if cfg.RedisAddress != "" {
		client := idempotency.NewRedisClient(cfg.RedisAddress)
		defer client.Close()
		store = idempotency.NewStore(client, cfg.IdempotencyTTL)
	}

	metrics.Register()

	svc := service.NewService(repo, cat, service.Options{
		Logger:               logger,
		Dispatcher:           dispatcher,
		OverpaymentTolerance: cfg.OverpaymentTolerance,
		CounterTimeout:       cfg.CounterTimeout,
		OperationTimeout:     cfg.OperationTimeout,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, store)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка статусов оплаты
	g.Go(func() error {
		svc.StartReconciliation(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting reconciler server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func openRepository(cfg *config.Config, logger *zap.Logger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is not set, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func openCatalog(cfg *config.Config) (catalog.Catalog, error) {
	switch {
	case cfg.CatalogAddress != "":
		return catalog.NewClient(cfg.CatalogAddress), nil
	case cfg.CatalogFile != "":
		return catalog.LoadStatic(cfg.CatalogFile)
	}
	return catalog.NewStatic(), nil
}
