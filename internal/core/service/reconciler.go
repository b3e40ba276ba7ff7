package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultReconcileBackoff    = 100 * time.Millisecond
	defaultReconcileMaxBackoff = 10 * time.Second
)

type ReconcilerConfig struct {
	Workers        int
	QueueSize      int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	ReleaseTimeout time.Duration
}

type pendingCredit struct {
	id     uint64
	credit domain.StockCredit
}

// Reconciler keeps retrying stock credits that could not be applied inline,
// so that a cancelled purchase always ends up with its stock returned.
type Reconciler struct {
	stock     port.StockLedger
	purchases port.PurchaseLedger
	logger    *zap.Logger
	cfg       ReconcilerConfig
	queue     chan pendingCredit

	mu      sync.Mutex
	pending map[uint64]domain.StockCredit
	nextID  uint64

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	applied  atomic.Uint64
	dropped  atomic.Uint64
}

// NewReconciler builds a reconciler. purchases is consulted for credits that
// carry a purchase number; it may be nil when no such credit is enqueued.
func NewReconciler(stock port.StockLedger, purchases port.PurchaseLedger, logger *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultReconcileBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = defaultReconcileMaxBackoff
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		stock:     stock,
		purchases: purchases,
		logger:    logger,
		cfg:       cfg,
		queue:     make(chan pendingCredit, cfg.QueueSize),
		pending:   make(map[uint64]domain.StockCredit),
	}
}

// Start launches the retry workers.
func (r *Reconciler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	r.logger.Info("reconciler started", zap.Int("workers", r.cfg.Workers))
}

// Stop halts the workers and reports every credit that is still owed. Calls
// after the first do nothing.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(r.stop)
}

func (r *Reconciler) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	for _, c := range r.Pending() {
		r.logger.Error("stock credit still owed at shutdown",
			zap.String("credit_key", c.Key),
			zap.Int64("purchase_id", c.PurchaseID),
			zap.String("number", c.Number),
			zap.Int64("product_id", c.ProductID),
			zap.Int("quantity", c.Quantity),
			zap.String("reason", c.Reason),
		)
	}
}

// Enqueue records a credit and hands it to the workers without blocking.
// A credit that does not fit in the queue stays in Pending for an operator.
func (r *Reconciler) Enqueue(credit domain.StockCredit) {
	r.mu.Lock()
	r.nextID++
	item := pendingCredit{id: r.nextID, credit: credit}
	r.pending[item.id] = credit
	r.mu.Unlock()

	select {
	case r.queue <- item:
	default:
		r.dropped.Add(1)
		r.logger.Error("reconcile queue full, credit needs manual action",
			zap.String("credit_key", credit.Key),
			zap.Int64("purchase_id", credit.PurchaseID),
			zap.Int64("product_id", credit.ProductID),
			zap.Int("quantity", credit.Quantity),
		)
	}
}

// Pending returns the credits not yet applied.
func (r *Reconciler) Pending() []domain.StockCredit {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.StockCredit, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// Metrics returns the applied and dropped counters.
func (r *Reconciler) Metrics() (applied, dropped uint64) {
	return r.applied.Load(), r.dropped.Load()
}

func (r *Reconciler) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			r.apply(ctx, id, item)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, workerID int, item pendingCredit) {
	backoff := r.cfg.Backoff
	for attempt := 1; ; attempt++ {
		releaseCtx, cancel := context.WithTimeout(ctx, r.cfg.ReleaseTimeout)
		owed, err := r.settle(releaseCtx, item.credit)
		cancel()

		if err == nil {
			r.mu.Lock()
			delete(r.pending, item.id)
			r.mu.Unlock()
			if !owed {
				r.logger.Info("reservation belongs to a recorded purchase, no credit owed",
					zap.Int("worker", workerID),
					zap.String("number", item.credit.Number),
					zap.Int64("product_id", item.credit.ProductID),
				)
				return
			}
			r.applied.Add(1)
			r.logger.Info("stock credit reconciled",
				zap.Int("worker", workerID),
				zap.Int64("purchase_id", item.credit.PurchaseID),
				zap.Int64("product_id", item.credit.ProductID),
				zap.Int("quantity", item.credit.Quantity),
				zap.Int("attempt", attempt),
			)
			return
		}

		r.logger.Warn("stock credit retry failed",
			zap.Int("worker", workerID),
			zap.String("credit_key", item.credit.Key),
			zap.Int64("purchase_id", item.credit.PurchaseID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}
}

// settle applies one credit. It reports owed=false when the credit turned out
// to belong to a purchase that was recorded after all.
func (r *Reconciler) settle(ctx context.Context, credit domain.StockCredit) (owed bool, err error) {
	if credit.Number != "" && r.purchases != nil {
		_, lookupErr := r.purchases.GetByNumber(ctx, credit.Number)
		if lookupErr == nil {
			return false, nil
		}
		if !errors.Is(lookupErr, domain.ErrNotFound) {
			return true, fmt.Errorf("look up purchase %s: %w", credit.Number, lookupErr)
		}
	}
	return true, r.stock.Release(ctx, credit.Key, credit.ProductID, credit.Quantity)
}
