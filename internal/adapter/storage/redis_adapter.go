package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	stockKeyPrefix    = "stock:"
	creditKeyPrefix   = "credit:"
	idempotencyKeyTTL = 24 * time.Hour
	creditKeyTTL      = 7 * 24 * time.Hour

	fieldQuantity  = "quantity"
	fieldUpdatedAt = "updated_at"
)

// returns -1 when the product has no stock hash, 0 when stock is short
var reserveStockScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'quantity')
if not current then
	return -1
end

local quantity = tonumber(ARGV[1])
if tonumber(current) < quantity then
	return 0
end

redis.call('HINCRBY', KEYS[1], 'quantity', -quantity)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// returns -1 when the product has no stock hash, 0 when the credit key was
// already applied
var releaseStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end

if not redis.call('SET', KEYS[2], ARGV[1], 'NX', 'EX', ARGV[3]) then
	return 0
end

redis.call('HINCRBY', KEYS[1], 'quantity', tonumber(ARGV[1]))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// RedisAdapter is a stock ledger and idempotency store on Redis. Each
// product's stock is a hash mutated only by server-side scripts.
type RedisAdapter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, now: time.Now}
}

func stockKey(productID int64) string {
	return stockKeyPrefix + strconv.FormatInt(productID, 10)
}

func creditKey(key string) string {
	return creditKeyPrefix + key
}

func (r *RedisAdapter) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r *RedisAdapter) GetQuantity(ctx context.Context, productID int64) (int, error) {
	q, err := r.client.HGet(ctx, stockKey(productID), fieldQuantity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get stock: %w", err)
	}
	return q, nil
}

// StockRecord returns the quantity and last update time of a product.
func (r *RedisAdapter) StockRecord(ctx context.Context, productID int64) (domain.StockRecord, error) {
	vals, err := r.client.HMGet(ctx, stockKey(productID), fieldQuantity, fieldUpdatedAt).Result()
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("get stock: %w", err)
	}
	if vals[0] == nil {
		return domain.StockRecord{}, domain.ErrNotFound
	}

	rec := domain.StockRecord{ProductID: productID}
	if rec.Quantity, err = strconv.Atoi(fmt.Sprint(vals[0])); err != nil {
		return domain.StockRecord{}, fmt.Errorf("parse quantity: %w", err)
	}
	if s, ok := vals[1].(string); ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return domain.StockRecord{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return rec, nil
}

func (r *RedisAdapter) Reserve(ctx context.Context, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", domain.ErrInvalidInput, quantity)
	}

	result, err := reserveStockScript.Run(ctx, r.client, []string{stockKey(productID)}, quantity, r.timestamp()).Int()
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return domain.ErrNotFound
	default:
		return fmt.Errorf("%w: product %d, requested %d", domain.ErrInsufficientStock, productID, quantity)
	}
}

// Release marks the credit key and adds the stock back in one script run, so
// a retried credit is never applied twice.
func (r *RedisAdapter) Release(ctx context.Context, key string, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: release quantity %d", domain.ErrInvalidInput, quantity)
	}
	if key == "" {
		return fmt.Errorf("%w: empty credit key", domain.ErrInvalidInput)
	}

	keys := []string{stockKey(productID), creditKey(key)}
	ttl := int64(creditKeyTTL / time.Second)
	result, err := releaseStockScript.Run(ctx, r.client, keys, quantity, r.timestamp(), ttl).Int()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if result == -1 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStock overwrites a product's stock.
func (r *RedisAdapter) SetStock(ctx context.Context, productID int64, quantity int) error {
	return r.client.HSet(ctx, stockKey(productID), fieldQuantity, quantity, fieldUpdatedAt, r.timestamp()).Err()
}

// InitStock sets a product's stock only if Redis has none yet, so restarts
// do not clobber live quantities. It reports whether the value was written.
func (r *RedisAdapter) InitStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	key := stockKey(productID)
	ok, err := r.client.HSetNX(ctx, key, fieldQuantity, quantity).Result()
	if err != nil {
		return false, fmt.Errorf("init stock: %w", err)
	}
	if ok {
		if err := r.client.HSet(ctx, key, fieldUpdatedAt, r.timestamp()).Err(); err != nil {
			return true, fmt.Errorf("init stock timestamp: %w", err)
		}
	}
	return ok, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
