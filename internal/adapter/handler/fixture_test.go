package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

var errStockDown = errors.New("stock store down")

// flakyStore is a memory store whose stock credits can be switched off.
type flakyStore struct {
	*storage.MemoryStore
	failRelease atomic.Bool
}

func (f *flakyStore) Release(ctx context.Context, creditKey string, productID int64, quantity int) error {
	if f.failRelease.Load() {
		return errStockDown
	}
	return f.MemoryStore.Release(ctx, creditKey, productID, quantity)
}

type fixture struct {
	store    *flakyStore
	svc      *service.PurchaseService
	laptopID int64
	mouseID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()

	laptop, _, err := store.SeedProduct(ctx, storage.SeedItem{Code: "PRD001", Name: "Laptop", Price: decimal.NewFromInt(100), Stock: 10})
	require.NoError(t, err)
	mouse, _, err := store.SeedProduct(ctx, storage.SeedItem{Code: "PRD002", Name: "Mouse", Price: decimal.RequireFromString("12.50"), Stock: 5})
	require.NoError(t, err)

	svc := service.NewPurchaseService(store, store, store, service.Options{
		Idempotency:     store,
		Recorder:        store,
		ReleaseAttempts: 1,
		ReleaseBackoff:  time.Millisecond,
		Reconcile:       service.ReconcilerConfig{Workers: 1, QueueSize: 8},
	})
	t.Cleanup(svc.Close)

	return &fixture{store: store, svc: svc, laptopID: laptop.ID, mouseID: mouse.ID}
}
