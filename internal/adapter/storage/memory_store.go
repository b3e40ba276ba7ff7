package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type stockEntry struct {
	mu        sync.Mutex
	quantity  int
	updatedAt time.Time
	credited  map[string]struct{}
}

// MemoryStore keeps the catalog, stock and purchases in process memory.
// Stock mutations lock only the product being changed.
type MemoryStore struct {
	now func() time.Time

	catalogMu     sync.RWMutex
	products      map[int64]domain.Product
	codes         map[string]int64
	nextProductID int64

	stockMu sync.RWMutex
	stock   map[int64]*stockEntry

	purchaseMu     sync.RWMutex
	purchases      map[int64]domain.Purchase
	numbers        map[string]int64
	nextPurchaseID int64

	idemMu sync.Mutex
	idem   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		products:  make(map[int64]domain.Product),
		codes:     make(map[string]int64),
		stock:     make(map[int64]*stockEntry),
		purchases: make(map[int64]domain.Purchase),
		numbers:   make(map[string]int64),
		idem:      make(map[string]struct{}),
	}
}

// SeedProduct adds a product with its stock unless a product with the same
// code already exists.
func (m *MemoryStore) SeedProduct(ctx context.Context, item SeedItem) (domain.Product, bool, error) {
	if err := item.Validate(); err != nil {
		return domain.Product{}, false, err
	}

	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()

	if id, ok := m.codes[item.Code]; ok {
		return m.products[id], false, nil
	}
	m.nextProductID++
	p := domain.Product{
		ID:        m.nextProductID,
		Code:      item.Code,
		Name:      item.Name,
		Price:     item.Price,
		CreatedAt: m.now().UTC(),
	}

	// stock goes in first so a visible product always has a stock entry
	m.stockMu.Lock()
	m.stock[p.ID] = &stockEntry{
		quantity:  item.Stock,
		updatedAt: p.CreatedAt,
		credited:  make(map[string]struct{}),
	}
	m.stockMu.Unlock()

	m.products[p.ID] = p
	m.codes[p.Code] = p.ID
	return p, true, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()

	p, ok := m.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	m.catalogMu.RLock()
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	m.catalogMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) entry(productID int64) (*stockEntry, bool) {
	m.stockMu.RLock()
	defer m.stockMu.RUnlock()
	e, ok := m.stock[productID]
	return e, ok
}

func (m *MemoryStore) GetQuantity(ctx context.Context, productID int64) (int, error) {
	e, ok := m.entry(productID)
	if !ok {
		return 0, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quantity, nil
}

// StockRecord returns the full stock record, including its timestamp.
func (m *MemoryStore) StockRecord(ctx context.Context, productID int64) (domain.StockRecord, error) {
	e, ok := m.entry(productID)
	if !ok {
		return domain.StockRecord{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.StockRecord{ProductID: productID, Quantity: e.quantity, UpdatedAt: e.updatedAt}, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", domain.ErrInvalidInput, quantity)
	}
	e, ok := m.entry(productID)
	if !ok {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quantity < quantity {
		return fmt.Errorf("%w: product %d has %d, requested %d", domain.ErrInsufficientStock, productID, e.quantity, quantity)
	}
	e.quantity -= quantity
	e.updatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, creditKey string, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: release quantity %d", domain.ErrInvalidInput, quantity)
	}
	if creditKey == "" {
		return fmt.Errorf("%w: empty credit key", domain.ErrInvalidInput)
	}
	e, ok := m.entry(productID)
	if !ok {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, done := e.credited[creditKey]; done {
		return nil
	}
	e.credited[creditKey] = struct{}{}
	e.quantity += quantity
	e.updatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	m.purchaseMu.Lock()
	defer m.purchaseMu.Unlock()

	if _, ok := m.numbers[np.Number]; ok {
		return domain.Purchase{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePurchaseNumber, np.Number)
	}

	m.nextPurchaseID++
	p := domain.Purchase{
		ID:         m.nextPurchaseID,
		Number:     np.Number,
		ProductID:  np.ProductID,
		Quantity:   np.Quantity,
		TotalPrice: np.TotalPrice,
		Status:     domain.PurchaseStatusActive,
		CreatedAt:  np.CreatedAt.UTC(),
	}
	m.purchases[p.ID] = p
	m.numbers[p.Number] = p.ID
	return p, nil
}

// ReserveAndInsert holds the product's stock lock across the insert, so the
// purchase and its reservation appear together or not at all.
func (m *MemoryStore) ReserveAndInsert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	if np.Quantity <= 0 {
		return domain.Purchase{}, fmt.Errorf("%w: reserve quantity %d", domain.ErrInvalidInput, np.Quantity)
	}
	e, ok := m.entry(np.ProductID)
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quantity < np.Quantity {
		return domain.Purchase{}, fmt.Errorf("%w: product %d has %d, requested %d", domain.ErrInsufficientStock, np.ProductID, e.quantity, np.Quantity)
	}
	p, err := m.Insert(ctx, np)
	if err != nil {
		return domain.Purchase{}, err
	}
	e.quantity -= np.Quantity
	e.updatedAt = m.now().UTC()
	return p, nil
}

func (m *MemoryStore) GetByNumber(ctx context.Context, number string) (domain.Purchase, error) {
	m.purchaseMu.RLock()
	defer m.purchaseMu.RUnlock()

	id, ok := m.numbers[number]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return m.purchases[id], nil
}

func (m *MemoryStore) Get(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	m.purchaseMu.RLock()
	defer m.purchaseMu.RUnlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetActive(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	p, err := m.Get(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.Status != domain.PurchaseStatusActive {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, purchaseID int64, cancelledAt time.Time) error {
	m.purchaseMu.Lock()
	defer m.purchaseMu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.Status.CanTransitionTo(domain.PurchaseStatusCancelled) {
		return fmt.Errorf("%w: purchase %d is %s", domain.ErrInvalidTransition, purchaseID, p.Status)
	}

	at := cancelledAt.UTC()
	p.Status = domain.PurchaseStatusCancelled
	p.CancelledAt = &at
	m.purchases[purchaseID] = p
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]domain.Purchase, error) {
	m.purchaseMu.RLock()
	out := make([]domain.Purchase, 0, len(m.purchases))
	for _, p := range m.purchases {
		out = append(out, p)
	}
	m.purchaseMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error) {
	m.purchaseMu.RLock()
	defer m.purchaseMu.RUnlock()

	counts := make(map[domain.PurchaseStatus]int)
	for _, p := range m.purchases {
		counts[p.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()

	if _, ok := m.idem[key]; ok {
		return false, nil
	}
	m.idem[key] = struct{}{}
	return true, nil
}

func (m *MemoryStore) ClearIdempotency(ctx context.Context, key string) error {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	delete(m.idem, key)
	return nil
}
