package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type StockLedger interface {
	// GetQuantity returns domain.ErrNotFound when the product has no stock record
	GetQuantity(ctx context.Context, productID int64) (int, error)

	// Reserve atomically decreases stock, failing with domain.ErrInsufficientStock
	// instead of going below zero
	Reserve(ctx context.Context, productID int64, quantity int) error

	// Release atomically restores stock taken by a prior Reserve. The credit is
	// applied at most once per creditKey; repeating a key that was already
	// applied is a no-op that returns nil
	Release(ctx context.Context, creditKey string, productID int64, quantity int) error
}

// PurchaseRecorder is implemented by stores that hold both stock and
// purchases.
type PurchaseRecorder interface {
	// ReserveAndInsert decreases stock and stores an active purchase in one
	// transaction. On error neither change is applied
	ReserveAndInsert(ctx context.Context, purchase domain.NewPurchase) (domain.Purchase, error)
}
