package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// dialect captures what differs between the SQL backends.
type dialect interface {
	name() string
	schema() string
	isDuplicate(err error) bool
}

// SQLStore implements the catalog, stock ledger and purchase ledger on a
// relational database. Stock changes are single conditional UPDATEs so the
// database serializes them per row.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.name(), err)
		}
	}
	return nil
}

func (s *SQLStore) SeedProduct(ctx context.Context, item SeedItem) (domain.Product, bool, error) {
	if err := item.Validate(); err != nil {
		return domain.Product{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT id, code, name, price, created_at
		FROM products WHERE code = ?`, item.Code))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Product{}, false, err
	}

	now := s.now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO products (code, name, price, created_at)
		VALUES (?, ?, ?, ?)`,
		item.Code, item.Name, item.Price, now,
	)
	if err != nil {
		return domain.Product{}, false, fmt.Errorf("insert product: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Product{}, false, fmt.Errorf("product id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock (product_id, quantity, updated_at)
		VALUES (?, ?, ?)`,
		id, item.Stock, now,
	)
	if err != nil {
		return domain.Product{}, false, fmt.Errorf("insert stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Product{}, false, fmt.Errorf("commit: %w", err)
	}

	return domain.Product{ID: id, Code: item.Code, Name: item.Name, Price: item.Price, CreatedAt: now}, true, nil
}

func (s *SQLStore) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT id, code, name, price, created_at
		FROM products WHERE id = ?`, productID))
}

func (s *SQLStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, price, created_at
		FROM products ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) GetQuantity(ctx context.Context, productID int64) (int, error) {
	return getQuantity(ctx, s.db, productID)
}

func getQuantity(ctx context.Context, q execQuerier, productID int64) (int, error) {
	var quantity int
	err := q.QueryRowContext(ctx, `
		SELECT quantity FROM stock WHERE product_id = ?`, productID,
	).Scan(&quantity)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return quantity, nil
}

// StockRecord returns the full stock row for a product.
func (s *SQLStore) StockRecord(ctx context.Context, productID int64) (domain.StockRecord, error) {
	rec := domain.StockRecord{ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity, updated_at FROM stock WHERE product_id = ?`, productID,
	).Scan(&rec.Quantity, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("query stock: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Reserve(ctx context.Context, productID int64, quantity int) error {
	return s.reserve(ctx, s.db, productID, quantity)
}

func (s *SQLStore) reserve(ctx context.Context, q execQuerier, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", domain.ErrInvalidInput, quantity)
	}

	result, err := q.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity - ?, updated_at = ?
		WHERE product_id = ? AND quantity >= ?`,
		quantity, s.now().UTC(), productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// nothing matched: either no row or not enough stock
	if _, err := getQuantity(ctx, q, productID); err != nil {
		return err
	}
	return fmt.Errorf("%w: product %d, requested %d", domain.ErrInsufficientStock, productID, quantity)
}

// Release adds the stock back and records creditKey in the same
// transaction. A key that is already recorded leaves the stock untouched.
func (s *SQLStore) Release(ctx context.Context, creditKey string, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: release quantity %d", domain.ErrInvalidInput, quantity)
	}
	if creditKey == "" {
		return fmt.Errorf("%w: empty credit key", domain.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity + ?, updated_at = ?
		WHERE product_id = ?`,
		quantity, now, productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_credits (credit_key, product_id, quantity, created_at)
		VALUES (?, ?, ?, ?)`,
		creditKey, productID, quantity, now,
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("record credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	return s.insert(ctx, s.db, np)
}

// ReserveAndInsert takes the stock and records the purchase in one
// transaction.
func (s *SQLStore) ReserveAndInsert(ctx context.Context, np domain.NewPurchase) (domain.Purchase, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.reserve(ctx, tx, np.ProductID, np.Quantity); err != nil {
		return domain.Purchase{}, err
	}
	p, err := s.insert(ctx, tx, np)
	if err != nil {
		return domain.Purchase{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Purchase{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *SQLStore) insert(ctx context.Context, q execQuerier, np domain.NewPurchase) (domain.Purchase, error) {
	createdAt := np.CreatedAt.UTC()

	result, err := q.ExecContext(ctx, `
		INSERT INTO purchases (number, product_id, quantity, total_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		np.Number, np.ProductID, np.Quantity, np.TotalPrice, string(domain.PurchaseStatusActive), createdAt,
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return domain.Purchase{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePurchaseNumber, np.Number)
		}
		return domain.Purchase{}, fmt.Errorf("insert purchase: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("purchase id: %w", err)
	}

	return domain.Purchase{
		ID:         id,
		Number:     np.Number,
		ProductID:  np.ProductID,
		Quantity:   np.Quantity,
		TotalPrice: np.TotalPrice,
		Status:     domain.PurchaseStatusActive,
		CreatedAt:  createdAt,
	}, nil
}

const purchaseColumns = `id, number, product_id, quantity, total_price, status, created_at, cancelled_at`

func (s *SQLStore) Get(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, purchaseID))
}

func (s *SQLStore) GetByNumber(ctx context.Context, number string) (domain.Purchase, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE number = ?`, number))
}

func (s *SQLStore) GetActive(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = ? AND status = ?`,
		purchaseID, string(domain.PurchaseStatusActive)))
}

func (s *SQLStore) MarkCancelled(ctx context.Context, purchaseID int64, cancelledAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.PurchaseStatusCancelled), cancelledAt.UTC(), purchaseID, string(domain.PurchaseStatusActive),
	)
	if err != nil {
		return fmt.Errorf("cancel purchase: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel purchase: %w", err)
	}
	if rows == 1 {
		return nil
	}

	p, err := s.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: purchase %d is %s", domain.ErrInvalidTransition, purchaseID, p.Status)
}

func (s *SQLStore) List(ctx context.Context) ([]domain.Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM purchases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count purchases: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PurchaseStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.PurchaseStatus(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}

func scanPurchase(row scanner) (domain.Purchase, error) {
	var (
		p           domain.Purchase
		status      string
		cancelledAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Number, &p.ProductID, &p.Quantity, &p.TotalPrice, &status, &p.CreatedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Purchase{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("scan purchase: %w", err)
	}

	p.Status = domain.PurchaseStatus(status)
	if cancelledAt.Valid {
		t := cancelledAt.Time
		p.CancelledAt = &t
	}
	return p, nil
}

func (s *SQLStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (request_key, created_at) VALUES (?, ?)`,
		key, s.now().UTC(),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim request key: %w", err)
	}
	return true, nil
}

func (s *SQLStore) ClearIdempotency(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE request_key = ?`, key); err != nil {
		return fmt.Errorf("release request key: %w", err)
	}
	return nil
}
