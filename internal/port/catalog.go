package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type Catalog interface {
	// GetProduct returns domain.ErrNotFound when the product does not exist
	GetProduct(ctx context.Context, productID int64) (domain.Product, error)

	// ListProducts returns every product ordered by name
	ListProducts(ctx context.Context) ([]domain.Product, error)
}
