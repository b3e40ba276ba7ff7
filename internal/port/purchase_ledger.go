package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type PurchaseLedger interface {
	// Insert stores an active purchase, failing with domain.ErrDuplicatePurchaseNumber
	// when the number is taken
	Insert(ctx context.Context, purchase domain.NewPurchase) (domain.Purchase, error)

	// Get returns the purchase regardless of status
	Get(ctx context.Context, purchaseID int64) (domain.Purchase, error)

	// GetByNumber returns domain.ErrNotFound when no purchase has the number
	GetByNumber(ctx context.Context, number string) (domain.Purchase, error)

	// GetActive returns domain.ErrNotFound for missing and cancelled purchases alike
	GetActive(ctx context.Context, purchaseID int64) (domain.Purchase, error)

	// MarkCancelled moves an active purchase to cancelled, failing with
	// domain.ErrInvalidTransition if it is not active
	MarkCancelled(ctx context.Context, purchaseID int64, cancelledAt time.Time) error

	// List returns all purchases, most recent first
	List(ctx context.Context) ([]domain.Purchase, error)

	// CountByStatus returns the number of purchases in each status
	CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error)
}
