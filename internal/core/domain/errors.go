package domain

import "errors"

var (
	ErrInvalidInput                       = errors.New("invalid input")
	ErrNotFound                           = errors.New("not found")
	ErrProductNotFound                    = errors.New("product not found")
	ErrInsufficientStock                  = errors.New("insufficient stock")
	ErrDuplicatePurchaseNumber            = errors.New("duplicate purchase number")
	ErrInvalidTransition                  = errors.New("invalid purchase status transition")
	ErrPurchaseNotFoundOrAlreadyCancelled = errors.New("purchase not found or already cancelled")
	ErrReconciliationFailure              = errors.New("stock credit pending reconciliation")
	ErrDuplicateRequest                   = errors.New("duplicate request")
)
