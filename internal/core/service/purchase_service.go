package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultNumberAttempts  = 5
	defaultReleaseAttempts = 3
	defaultReleaseBackoff  = 50 * time.Millisecond
	defaultReleaseTimeout  = 2 * time.Second
	defaultWriteTimeout    = 5 * time.Second

	idempotencyKeyPrefix = "purchase:"
)

type Options struct {
	Numbers     NumberGenerator
	Idempotency port.IdempotencyStore
	Logger      *zap.Logger
	Now         func() time.Time

	// Recorder, when set, takes stock and records the purchase in one
	// transaction instead of reserving and compensating.
	Recorder port.PurchaseRecorder

	NumberAttempts  int
	ReleaseAttempts int
	ReleaseBackoff  time.Duration
	ReleaseTimeout  time.Duration
	WriteTimeout    time.Duration
	Reconcile       ReconcilerConfig
}

// PurchaseService creates and cancels purchases so that stock and the
// purchase ledger never diverge. It is the only writer of stock quantities
// and purchase status.
type PurchaseService struct {
	catalog     port.Catalog
	stock       port.StockLedger
	purchases   port.PurchaseLedger
	recorder    port.PurchaseRecorder
	idempotency port.IdempotencyStore
	numbers     NumberGenerator
	reconciler  *Reconciler
	logger      *zap.Logger
	now         func() time.Time

	numberAttempts  int
	releaseAttempts int
	releaseBackoff  time.Duration
	releaseTimeout  time.Duration
	writeTimeout    time.Duration
}

func NewPurchaseService(catalog port.Catalog, stock port.StockLedger, purchases port.PurchaseLedger, opts Options) *PurchaseService {
	if opts.Numbers == nil {
		opts.Numbers = NewTokenGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NumberAttempts <= 0 {
		opts.NumberAttempts = defaultNumberAttempts
	}
	if opts.ReleaseAttempts <= 0 {
		opts.ReleaseAttempts = defaultReleaseAttempts
	}
	if opts.ReleaseBackoff <= 0 {
		opts.ReleaseBackoff = defaultReleaseBackoff
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = defaultReleaseTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Reconcile.ReleaseTimeout <= 0 {
		opts.Reconcile.ReleaseTimeout = opts.ReleaseTimeout
	}

	return &PurchaseService{
		catalog:         catalog,
		stock:           stock,
		purchases:       purchases,
		recorder:        opts.Recorder,
		idempotency:     opts.Idempotency,
		numbers:         opts.Numbers,
		reconciler:      NewReconciler(stock, purchases, opts.Logger.Named("reconciler"), opts.Reconcile),
		logger:          opts.Logger,
		now:             opts.Now,
		numberAttempts:  opts.NumberAttempts,
		releaseAttempts: opts.ReleaseAttempts,
		releaseBackoff:  opts.ReleaseBackoff,
		releaseTimeout:  opts.ReleaseTimeout,
		writeTimeout:    opts.WriteTimeout,
	}
}

// Start runs the background reconciler.
func (s *PurchaseService) Start(ctx context.Context) {
	s.reconciler.Start(ctx)
}

// Close stops the reconciler, logging any stock credit still owed.
func (s *PurchaseService) Close() {
	s.reconciler.Stop()
}

func (s *PurchaseService) Reconciler() *Reconciler {
	return s.reconciler
}

// CreatePurchase reserves stock and records an active purchase. Either both
// happen or neither does.
func (s *PurchaseService) CreatePurchase(ctx context.Context, productID int64, quantity int) (domain.Purchase, error) {
	if quantity <= 0 {
		return domain.Purchase{}, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrInvalidInput, quantity)
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Purchase{}, fmt.Errorf("%w: id %d", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("get product: %w", err)
	}

	total := product.Price.Mul(decimal.NewFromInt(int64(quantity)))

	var purchase domain.Purchase
	if s.recorder != nil {
		purchase, err = s.record(ctx, productID, quantity, total)
	} else {
		purchase, err = s.reserveThenInsert(ctx, productID, quantity, total)
	}
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logger.Info("purchase created",
		zap.Int64("purchase_id", purchase.ID),
		zap.String("number", purchase.Number),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.String("total_price", total.String()),
	)
	return purchase, nil
}

// CreatePurchaseOnce is CreatePurchase guarded by a client-supplied request
// key. A key that was already used returns domain.ErrDuplicateRequest; a key
// whose purchase failed is released so the client can retry it.
func (s *PurchaseService) CreatePurchaseOnce(ctx context.Context, requestKey string, productID int64, quantity int) (domain.Purchase, error) {
	if s.idempotency == nil {
		return s.CreatePurchase(ctx, productID, quantity)
	}
	if requestKey == "" {
		return domain.Purchase{}, fmt.Errorf("%w: empty request key", domain.ErrInvalidInput)
	}

	key := idempotencyKeyPrefix + requestKey
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return domain.Purchase{}, domain.ErrDuplicateRequest
	}

	purchase, err := s.CreatePurchase(ctx, productID, quantity)
	if err != nil {
		if clearErr := s.idempotency.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
			s.logger.Warn("failed to release request key", zap.String("key", key), zap.Error(clearErr))
		}
		return domain.Purchase{}, err
	}
	return purchase, nil
}

// CancelPurchase moves an active purchase to cancelled and returns its stock.
// Once the status change has committed the stock credit is retried in place
// and then handed to the reconciler; in that case the returned error wraps
// domain.ErrReconciliationFailure.
func (s *PurchaseService) CancelPurchase(ctx context.Context, purchaseID int64) error {
	purchase, err := s.purchases.GetActive(ctx, purchaseID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: id %d", domain.ErrPurchaseNotFoundOrAlreadyCancelled, purchaseID)
	}
	if err != nil {
		return fmt.Errorf("get purchase: %w", err)
	}

	if err := s.purchases.MarkCancelled(ctx, purchaseID, s.now()); err != nil {
		// a concurrent cancel won the transition
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: id %d", domain.ErrPurchaseNotFoundOrAlreadyCancelled, purchaseID)
		}
		return fmt.Errorf("mark cancelled: %w", err)
	}

	credit := domain.StockCredit{
		Key:        domain.CancelCreditKey(purchase.ID),
		PurchaseID: purchase.ID,
		ProductID:  purchase.ProductID,
		Quantity:   purchase.Quantity,
		Reason:     "cancel",
	}
	if err := s.releaseWithRetry(ctx, credit); err != nil {
		s.reconciler.Enqueue(credit)
		s.logger.Error("stock credit failed after cancellation",
			zap.Int64("purchase_id", purchase.ID),
			zap.Int64("product_id", purchase.ProductID),
			zap.Int("quantity", purchase.Quantity),
			zap.Error(err),
		)
		return fmt.Errorf("%w: purchase %d: %v", domain.ErrReconciliationFailure, purchaseID, err)
	}

	s.logger.Info("purchase cancelled",
		zap.Int64("purchase_id", purchase.ID),
		zap.Int64("product_id", purchase.ProductID),
		zap.Int("quantity", purchase.Quantity),
	)
	return nil
}

// ListProducts returns the catalog ordered by name with current stock.
// Products without a stock record report zero.
func (s *PurchaseService) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	out := make([]domain.ProductStock, 0, len(products))
	for _, p := range products {
		qty, err := s.stock.GetQuantity(ctx, p.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("get stock for product %d: %w", p.ID, err)
		}
		out = append(out, domain.ProductStock{Product: p, Quantity: qty})
	}
	return out, nil
}

// ListPurchases returns every purchase, most recent first, with the name and
// code of its product.
func (s *PurchaseService) ListPurchases(ctx context.Context) ([]domain.PurchaseView, error) {
	purchases, err := s.purchases.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}

	products := make(map[int64]domain.Product)
	out := make([]domain.PurchaseView, 0, len(purchases))
	for _, p := range purchases {
		product, ok := products[p.ProductID]
		if !ok {
			product, err = s.catalog.GetProduct(ctx, p.ProductID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("get product %d: %w", p.ProductID, err)
			}
			products[p.ProductID] = product
		}
		out = append(out, domain.PurchaseView{
			Purchase:    p,
			ProductName: product.Name,
			ProductCode: product.Code,
		})
	}
	return out, nil
}

// Summary aggregates catalog, stock and purchase counts.
func (s *PurchaseService) Summary(ctx context.Context) (domain.Summary, error) {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return domain.Summary{}, err
	}
	counts, err := s.purchases.CountByStatus(ctx)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("count purchases: %w", err)
	}

	sum := domain.Summary{
		TotalProducts:      len(products),
		ActivePurchases:    counts[domain.PurchaseStatusActive],
		CancelledPurchases: counts[domain.PurchaseStatusCancelled],
	}
	for _, p := range products {
		sum.TotalStock += p.Quantity
	}
	return sum, nil
}

func reserveError(productID int64, err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return err
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%w: product %d has no stock record", domain.ErrInsufficientStock, productID)
	default:
		return fmt.Errorf("reserve stock: %w", err)
	}
}

func (s *PurchaseService) newPurchase(productID int64, quantity int, total decimal.Decimal) domain.NewPurchase {
	return domain.NewPurchase{
		Number:     s.numbers.Next(),
		ProductID:  productID,
		Quantity:   quantity,
		TotalPrice: total,
		CreatedAt:  s.now(),
	}
}

// record takes the stock and inserts the purchase in one store transaction.
// Nothing needs undoing when it fails.
func (s *PurchaseService) record(ctx context.Context, productID int64, quantity int, total decimal.Decimal) (domain.Purchase, error) {
	for attempt := 1; attempt <= s.numberAttempts; attempt++ {
		np := s.newPurchase(productID, quantity, total)
		purchase, err := s.recorder.ReserveAndInsert(ctx, np)
		switch {
		case err == nil:
			return purchase, nil
		case errors.Is(err, domain.ErrDuplicatePurchaseNumber):
			s.logger.Warn("purchase number collision", zap.String("number", np.Number), zap.Int("attempt", attempt))
			continue
		case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
			return domain.Purchase{}, reserveError(productID, err)
		}

		// a commit that reported an error may still have applied
		if recorded, lookupErr := s.findRecorded(ctx, np.Number); lookupErr == nil {
			s.logger.Warn("purchase recorded despite error", zap.String("number", np.Number), zap.Error(err))
			return recorded, nil
		}
		return domain.Purchase{}, fmt.Errorf("record purchase: %w", err)
	}
	return domain.Purchase{}, fmt.Errorf("%w: no free number after %d attempts", domain.ErrDuplicatePurchaseNumber, s.numberAttempts)
}

// reserveThenInsert is used when stock and purchases live in different
// stores. A reservation that ends up with no purchase is released under its
// own credit key.
func (s *PurchaseService) reserveThenInsert(ctx context.Context, productID int64, quantity int, total decimal.Decimal) (domain.Purchase, error) {
	if err := s.stock.Reserve(ctx, productID, quantity); err != nil {
		return domain.Purchase{}, reserveError(productID, err)
	}
	credit := domain.StockCredit{
		Key:       domain.ReservationCreditKey(uuid.NewString()),
		ProductID: productID,
		Quantity:  quantity,
		Reason:    "rollback",
	}

	// stock is held from here on, so the insert outlives the caller
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	purchase, number, err := s.insert(insertCtx, productID, quantity, total)
	cancel()
	if err == nil {
		return purchase, nil
	}
	if errors.Is(err, domain.ErrDuplicatePurchaseNumber) {
		return domain.Purchase{}, s.rollbackReservation(ctx, credit, err)
	}

	// the insert may have committed before it failed
	recorded, lookupErr := s.findRecorded(ctx, number)
	switch {
	case lookupErr == nil:
		s.logger.Warn("purchase recorded despite insert error", zap.String("number", number), zap.Error(err))
		return recorded, nil
	case errors.Is(lookupErr, domain.ErrNotFound):
		return domain.Purchase{}, s.rollbackReservation(ctx, credit, err)
	default:
		credit.Number = number
		s.reconciler.Enqueue(credit)
		s.logger.Error("CRITICAL purchase outcome unknown",
			zap.String("number", number),
			zap.Int64("product_id", productID),
			zap.Int("quantity", quantity),
			zap.NamedError("cause", err),
			zap.Error(lookupErr),
		)
		return domain.Purchase{}, errors.Join(err, fmt.Errorf("%w: outcome of purchase %s unknown: %v", domain.ErrReconciliationFailure, number, lookupErr))
	}
}

// insert returns the last number it tried along with the result.
func (s *PurchaseService) insert(ctx context.Context, productID int64, quantity int, total decimal.Decimal) (domain.Purchase, string, error) {
	var number string
	for attempt := 1; attempt <= s.numberAttempts; attempt++ {
		np := s.newPurchase(productID, quantity, total)
		number = np.Number
		purchase, err := s.purchases.Insert(ctx, np)
		if err == nil {
			return purchase, number, nil
		}
		if !errors.Is(err, domain.ErrDuplicatePurchaseNumber) {
			return domain.Purchase{}, number, fmt.Errorf("insert purchase: %w", err)
		}
		s.logger.Warn("purchase number collision", zap.String("number", number), zap.Int("attempt", attempt))
	}
	return domain.Purchase{}, number, fmt.Errorf("%w: no free number after %d attempts", domain.ErrDuplicatePurchaseNumber, s.numberAttempts)
}

func (s *PurchaseService) findRecorded(ctx context.Context, number string) (domain.Purchase, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	return s.purchases.GetByNumber(lookupCtx, number)
}

// rollbackReservation gives back stock reserved for a purchase that was never
// recorded.
func (s *PurchaseService) rollbackReservation(ctx context.Context, credit domain.StockCredit, cause error) error {
	if err := s.releaseWithRetry(ctx, credit); err != nil {
		s.reconciler.Enqueue(credit)
		s.logger.Error("CRITICAL rollback failed",
			zap.String("credit_key", credit.Key),
			zap.Int64("product_id", credit.ProductID),
			zap.Int("quantity", credit.Quantity),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return errors.Join(cause, fmt.Errorf("%w: rollback of product %d: %v", domain.ErrReconciliationFailure, credit.ProductID, err))
	}

	s.logger.Warn("rolled back stock reservation",
		zap.Int64("product_id", credit.ProductID),
		zap.Int("quantity", credit.Quantity),
		zap.Error(cause),
	)
	return cause
}

// releaseWithRetry runs detached from ctx's cancellation: a credit that is
// owed must not be abandoned because the caller went away. Every attempt
// carries the credit key, so an attempt that applied but reported an error
// is not applied again.
func (s *PurchaseService) releaseWithRetry(ctx context.Context, credit domain.StockCredit) error {
	base := context.WithoutCancel(ctx)
	backoff := s.releaseBackoff

	var err error
	for attempt := 1; attempt <= s.releaseAttempts; attempt++ {
		releaseCtx, cancel := context.WithTimeout(base, s.releaseTimeout)
		err = s.stock.Release(releaseCtx, credit.Key, credit.ProductID, credit.Quantity)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < s.releaseAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}
