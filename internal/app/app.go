// Package app wires configuration, storage, the purchase coordinator and the
// network servers together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Store is a backend holding the catalog, stock and purchases.
type Store interface {
	port.Catalog
	port.StockLedger
	port.PurchaseLedger
	port.PurchaseRecorder
	port.IdempotencyStore
	storage.Seeder
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Store   Store
	Stock   port.StockLedger
	Service *service.PurchaseService

	redis   *storage.RedisAdapter
	closers []func() error
}

// New opens the configured backends and builds the purchase service. The
// caller owns the returned App and must Close it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		a.Store = storage.NewMemoryStore()
	case config.DriverSQLite:
		store, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
		logger.Info("connected to sqlite", zap.String("path", cfg.SQLitePath))
	case config.DriverMySQL:
		store, err := storage.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
		logger.Info("connected to mysql")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	a.Stock = a.Store
	var idempotency port.IdempotencyStore = a.Store
	var recorder port.PurchaseRecorder = a.Store

	if cfg.StockBackend == config.StockBackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			a.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		a.redis = storage.NewRedisAdapter(rdb)
		a.Stock = a.redis
		idempotency = a.redis
		// stock and purchases live apart, so creation reserves and compensates
		recorder = nil
	}

	a.Service = service.NewPurchaseService(a.Store, a.Stock, a.Store, service.Options{
		Idempotency:     idempotency,
		Recorder:        recorder,
		Logger:          logger.Named("purchase"),
		NumberAttempts:  cfg.NumberAttempts,
		ReleaseAttempts: cfg.ReleaseAttempts,
		ReleaseBackoff:  cfg.ReleaseBackoff,
		WriteTimeout:    cfg.WriteTimeout,
		Reconcile: service.ReconcilerConfig{
			Workers:   cfg.ReconcileWorkers,
			QueueSize: cfg.ReconcileQueueSize,
		},
	})
	return a, nil
}

// Migrate creates the schema for SQL backends and is a no-op otherwise.
func (a *App) Migrate(ctx context.Context) error {
	m, ok := a.Store.(migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

// Seed adds the items that are missing from the catalog, then syncs stock to
// Redis when it is the stock backend.
func (a *App) Seed(ctx context.Context, items []storage.SeedItem) (int, error) {
	n, err := storage.Seed(ctx, a.Store, items)
	if err != nil {
		return n, err
	}
	a.Logger.Info("catalog seeded", zap.Int("created", n), zap.Int("items", len(items)))
	return n, a.SyncStock(ctx)
}

// SyncStock copies stored quantities into Redis for products Redis does not
// know yet. Quantities Redis already holds are left alone.
func (a *App) SyncStock(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}

	products, err := a.Store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	for _, p := range products {
		qty, err := a.Store.GetQuantity(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("stock of product %d: %w", p.ID, err)
		}
		written, err := a.redis.InitStock(ctx, p.ID, qty)
		if err != nil {
			return err
		}
		if written {
			a.Logger.Info("initialized stock", zap.Int64("product_id", p.ID), zap.Int("quantity", qty))
		}
	}
	return nil
}

// Prepare readies the backend for serving: schema, demo catalog for the
// in-memory driver, and the Redis stock sync.
func (a *App) Prepare(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	if a.Config.StorageDriver == config.DriverMemory {
		if _, err := a.Seed(ctx, storage.DefaultCatalog()); err != nil {
			return err
		}
		return nil
	}
	return a.SyncStock(ctx)
}

// Serve listens on the configured addresses and blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.Config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", a.Config.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.Config.GRPCAddr, err)
	}
	return a.ServeListeners(ctx, httpLis, grpcLis)
}

// ServeListeners runs the HTTP and gRPC servers and the reconciler until ctx
// is done, then shuts everything down within the shutdown timeout.
func (a *App) ServeListeners(ctx context.Context, httpLis, grpcLis net.Listener) error {
	a.Service.Start(context.WithoutCancel(ctx))

	grpcServer, healthServer := handler.NewGRPCServer(
		handler.NewGRPCHandler(a.Service),
		a.Logger.Named("grpc"),
		a.Config.RequestTimeout,
	)
	httpServer := &http.Server{
		Handler:           handler.NewHTTPHandler(a.Service, a.Logger.Named("http"), a.Config.RequestTimeout).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("gRPC server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		a.Logger.Info("HTTP server listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.Logger.Info("shutting down...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("HTTP shutdown", zap.Error(err))
	}
	a.Logger.Info("HTTP server stopped")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	a.Logger.Info("gRPC server stopped")

	a.Service.Close()
	a.Logger.Info("reconciler stopped")
	return serveErr
}

// Close stops the purchase service, logging any stock credit still owed, and
// releases every connection the App opened.
func (a *App) Close() error {
	if a.Service != nil {
		a.Service.Close()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
