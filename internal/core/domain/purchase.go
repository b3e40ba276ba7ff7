package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchaseStatusActive    PurchaseStatus = "active"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
)

// CanTransitionTo reports whether the purchase state machine allows moving
// from s to next. The only edge is active -> cancelled.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	return s == PurchaseStatusActive && next == PurchaseStatusCancelled
}

func (s PurchaseStatus) Valid() bool {
	return s == PurchaseStatusActive || s == PurchaseStatusCancelled
}

type Purchase struct {
	ID          int64           `json:"id"`
	Number      string          `json:"number"`
	ProductID   int64           `json:"product_id"`
	Quantity    int             `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	Status      PurchaseStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// NewPurchase carries the fields a ledger needs to insert an active purchase.
type NewPurchase struct {
	Number     string
	ProductID  int64
	Quantity   int
	TotalPrice decimal.Decimal
	CreatedAt  time.Time
}

// PurchaseView is a purchase joined with the name and code of its product.
type PurchaseView struct {
	Purchase
	ProductName string `json:"product_name"`
	ProductCode string `json:"product_code"`
}

type Summary struct {
	TotalProducts      int `json:"total_products"`
	TotalStock         int `json:"total_stock"`
	ActivePurchases    int `json:"active_purchases"`
	CancelledPurchases int `json:"cancelled_purchases"`
}
