package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

var errStoreDown = errors.New("store unavailable")

type mockCatalog struct {
	mu       sync.Mutex
	products map[int64]domain.Product
}

func newMockCatalog(products ...domain.Product) *mockCatalog {
	c := &mockCatalog{products: make(map[int64]domain.Product)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (m *mockCatalog) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *mockCatalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockCatalog) setPrice(productID int64, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[productID]
	p.Price = price
	m.products[productID] = p
}

// Mock StockLedger
type mockStock struct {
	mu       sync.Mutex
	stock    map[int64]int
	credited map[string]bool

	releaseFailures int // number of Release calls that fail before succeeding
	appliedFailures int // number of Release calls that apply, then report an error
	releaseCalls    int
}

func newMockStock(levels map[int64]int) *mockStock {
	s := &mockStock{stock: make(map[int64]int), credited: make(map[string]bool)}
	for id, q := range levels {
		s.stock[id] = q
	}
	return s
}

func (m *mockStock) GetQuantity(ctx context.Context, productID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.stock[productID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return q, nil
}

func (m *mockStock) Reserve(ctx context.Context, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.stock[productID]
	if !ok {
		return domain.ErrNotFound
	}
	if q < quantity {
		return domain.ErrInsufficientStock
	}
	m.stock[productID] = q - quantity
	return nil
}

func (m *mockStock) Release(ctx context.Context, creditKey string, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseCalls++
	if creditKey == "" {
		return domain.ErrInvalidInput
	}
	if m.releaseFailures > 0 {
		m.releaseFailures--
		return errStoreDown
	}
	if _, ok := m.stock[productID]; !ok {
		return domain.ErrNotFound
	}
	if !m.credited[creditKey] {
		m.credited[creditKey] = true
		m.stock[productID] += quantity
	}
	if m.appliedFailures > 0 {
		m.appliedFailures--
		return context.DeadlineExceeded
	}
	return nil
}

func (m *mockStock) quantity(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID]
}

func (m *mockStock) failReleases(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseFailures = n
}

// failAfterApplying makes the next n Release calls apply their credit and
// then report a timeout, as a store does when the reply is lost.
func (m *mockStock) failAfterApplying(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedFailures = n
}

// Mock PurchaseLedger
type mockLedger struct {
	mu        sync.Mutex
	purchases map[int64]domain.Purchase
	numbers   map[string]int64
	nextID    int64

	insertErr        error // returned without storing
	insertAppliedErr error // returned after storing
	lookupErr        error
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		purchases: make(map[int64]domain.Purchase),
		numbers:   make(map[string]int64),
	}
}

func (m *mockLedger) Insert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return domain.Purchase{}, m.insertErr
	}
	if _, ok := m.numbers[np.Number]; ok {
		return domain.Purchase{}, domain.ErrDuplicatePurchaseNumber
	}
	m.nextID++
	p := domain.Purchase{
		ID:         m.nextID,
		Number:     np.Number,
		ProductID:  np.ProductID,
		Quantity:   np.Quantity,
		TotalPrice: np.TotalPrice,
		Status:     domain.PurchaseStatusActive,
		CreatedAt:  np.CreatedAt,
	}
	m.purchases[p.ID] = p
	m.numbers[p.Number] = p.ID
	if m.insertAppliedErr != nil {
		return domain.Purchase{}, m.insertAppliedErr
	}
	return p, nil
}

func (m *mockLedger) GetByNumber(ctx context.Context, number string) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookupErr != nil {
		return domain.Purchase{}, m.lookupErr
	}
	id, ok := m.numbers[number]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return m.purchases[id], nil
}

func (m *mockLedger) set(fn func(m *mockLedger)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *mockLedger) Get(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *mockLedger) GetActive(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	p, err := m.Get(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.Status != domain.PurchaseStatusActive {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *mockLedger) MarkCancelled(ctx context.Context, purchaseID int64, cancelledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.Status.CanTransitionTo(domain.PurchaseStatusCancelled) {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.PurchaseStatusCancelled
	p.CancelledAt = &cancelledAt
	m.purchases[purchaseID] = p
	return nil
}

func (m *mockLedger) List(ctx context.Context) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Purchase, 0, len(m.purchases))
	for _, p := range m.purchases {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *mockLedger) CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.PurchaseStatus]int)
	for _, p := range m.purchases {
		counts[p.Status]++
	}
	return counts, nil
}

// mockRecorder reserves on a mockStock and inserts on a mockLedger while
// holding the stock lock, like a store transaction.
type mockRecorder struct {
	stock  *mockStock
	ledger *mockLedger

	commitErr error // returned after both writes applied
}

func (r *mockRecorder) ReserveAndInsert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	r.stock.mu.Lock()
	defer r.stock.mu.Unlock()

	q, ok := r.stock.stock[np.ProductID]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	if q < np.Quantity {
		return domain.Purchase{}, domain.ErrInsufficientStock
	}
	p, err := r.ledger.Insert(ctx, np)
	if err != nil {
		return domain.Purchase{}, err
	}
	r.stock.stock[np.ProductID] = q - np.Quantity
	if r.commitErr != nil {
		return domain.Purchase{}, r.commitErr
	}
	return p, nil
}

// Mock IdempotencyStore
type mockIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{keys: make(map[string]bool)}
}

func (m *mockIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockIdempotency) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// fixedNumbers replays a script of purchase numbers.
type fixedNumbers struct {
	mu      sync.Mutex
	numbers []string
}

func (f *fixedNumbers) Next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.numbers[0]
	if len(f.numbers) > 1 {
		f.numbers = f.numbers[1:]
	}
	return n
}

// stepClock returns a time that advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
