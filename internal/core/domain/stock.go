package domain

import (
	"strconv"
	"time"
)

// StockRecord holds the available quantity of a single product.
// Quantity is never negative.
type StockRecord struct {
	ProductID int64
	Quantity  int
	UpdatedAt time.Time
}

// StockCredit is stock owed back to a product after a purchase was cancelled
// or rolled back but the release did not apply. Key identifies the credit so
// it is applied at most once. When Number is set the credit belongs to a
// purchase insert whose outcome is unknown, and it only applies if no
// purchase with that number exists.
type StockCredit struct {
	Key        string
	PurchaseID int64
	Number     string
	ProductID  int64
	Quantity   int
	Reason     string
}

// CancelCreditKey identifies the stock credit of a cancelled purchase.
func CancelCreditKey(purchaseID int64) string {
	return "cancel:" + strconv.FormatInt(purchaseID, 10)
}

// ReservationCreditKey identifies the stock credit that rolls back a
// reservation never recorded as a purchase.
func ReservationCreditKey(token string) string {
	return "reservation:" + token
}
