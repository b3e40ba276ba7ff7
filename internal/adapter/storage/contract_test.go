package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// ledgerStore is everything a full backend provides.
type ledgerStore interface {
	port.Catalog
	port.StockLedger
	port.PurchaseLedger
	port.PurchaseRecorder
	Seeder
}

var contractCatalog = []SeedItem{
	{Code: "PRD002", Name: "Mouse", Price: decimal.RequireFromString("750000"), Stock: 50},
	{Code: "PRD001", Name: "Laptop", Price: decimal.RequireFromString("15000000.50"), Stock: 10},
	{Code: "PRD003", Name: "Keyboard", Price: decimal.RequireFromString("1200000"), Stock: 0},
}

func seedContract(t *testing.T, s ledgerStore) map[string]domain.Product {
	t.Helper()

	out := make(map[string]domain.Product)
	for _, item := range contractCatalog {
		p, created, err := s.SeedProduct(context.Background(), item)
		require.NoError(t, err)
		require.True(t, created)
		out[item.Code] = p
	}
	return out
}

// runLedgerContract checks the behaviour every backend must share.
func runLedgerContract(t *testing.T, newStore func(t *testing.T) ledgerStore) {
	t.Run("Catalog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seeded := seedContract(t, s)

		n, err := Seed(ctx, s, contractCatalog)
		require.NoError(t, err)
		assert.Zero(t, n, "seeding is idempotent by code")

		list, err := s.ListProducts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"Keyboard", "Laptop", "Mouse"}, []string{list[0].Name, list[1].Name, list[2].Name})

		laptop, err := s.GetProduct(ctx, seeded["PRD001"].ID)
		require.NoError(t, err)
		assert.Equal(t, "PRD001", laptop.Code)
		assert.True(t, laptop.Price.Equal(decimal.RequireFromString("15000000.50")), "price %s", laptop.Price)

		_, err = s.GetProduct(ctx, 424242)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ReserveRelease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID

		require.NoError(t, s.Reserve(ctx, id, 3))
		q, err := s.GetQuantity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 7, q)

		err = s.Reserve(ctx, id, 8)
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 7, q, "failed reserve leaves stock unchanged")

		require.NoError(t, s.Reserve(ctx, id, 7))
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 0, q)

		require.NoError(t, s.Release(ctx, "cancel:1", id, 10))
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 10, q)

		assert.ErrorIs(t, s.Reserve(ctx, id, 0), domain.ErrInvalidInput)
		assert.ErrorIs(t, s.Release(ctx, "cancel:2", id, -1), domain.ErrInvalidInput)
		assert.ErrorIs(t, s.Release(ctx, "", id, 1), domain.ErrInvalidInput)
		assert.ErrorIs(t, s.Reserve(ctx, 424242, 1), domain.ErrNotFound)
		assert.ErrorIs(t, s.Release(ctx, "cancel:3", 424242, 1), domain.ErrNotFound)

		_, err = s.GetQuantity(ctx, 424242)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID // 10 in stock

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Reserve(ctx, id, 1)
				if err == nil {
					successCount.Add(1)
					return
				}
				assert.ErrorIs(t, err, domain.ErrInsufficientStock)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(10), successCount.Load())
		q, err := s.GetQuantity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, q)
	})

	t.Run("ReleaseAppliesKeyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID
		require.NoError(t, s.Reserve(ctx, id, 4))

		require.NoError(t, s.Release(ctx, "cancel:7", id, 4))
		require.NoError(t, s.Release(ctx, "cancel:7", id, 4), "a repeated key is a no-op")
		q, err := s.GetQuantity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, q)

		// a missing product does not burn the key
		assert.ErrorIs(t, s.Release(ctx, "cancel:8", 424242, 1), domain.ErrNotFound)
		require.NoError(t, s.Reserve(ctx, id, 1))
		require.NoError(t, s.Release(ctx, "cancel:8", id, 1))
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 10, q)

		var wg sync.WaitGroup
		require.NoError(t, s.Reserve(ctx, id, 2))
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Release(ctx, "reservation:race", id, 2))
			}()
		}
		wg.Wait()
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 10, q, "concurrent retries of one credit apply once")
	})

	t.Run("ReserveAndInsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID
		createdAt := time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC)

		p, err := s.ReserveAndInsert(ctx, domain.NewPurchase{
			Number: "PB-TX-1", ProductID: id, Quantity: 4,
			TotalPrice: decimal.RequireFromString("60000002"), CreatedAt: createdAt,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.PurchaseStatusActive, p.Status)
		q, _ := s.GetQuantity(ctx, id)
		assert.Equal(t, 6, q)

		// a taken number rolls the reservation back
		_, err = s.ReserveAndInsert(ctx, domain.NewPurchase{
			Number: "PB-TX-1", ProductID: id, Quantity: 2,
			TotalPrice: decimal.NewFromInt(1), CreatedAt: createdAt,
		})
		assert.ErrorIs(t, err, domain.ErrDuplicatePurchaseNumber)
		q, _ = s.GetQuantity(ctx, id)
		assert.Equal(t, 6, q)

		// short stock records nothing
		_, err = s.ReserveAndInsert(ctx, domain.NewPurchase{
			Number: "PB-TX-2", ProductID: id, Quantity: 7,
			TotalPrice: decimal.NewFromInt(1), CreatedAt: createdAt,
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		_, err = s.GetByNumber(ctx, "PB-TX-2")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.ReserveAndInsert(ctx, domain.NewPurchase{
			Number: "PB-TX-3", ProductID: 424242, Quantity: 1,
			TotalPrice: decimal.NewFromInt(1), CreatedAt: createdAt,
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		got, err := s.GetByNumber(ctx, "PB-TX-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, 4, got.Quantity)
	})

	t.Run("ConcurrentReserveAndInsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID // 10 in stock

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.ReserveAndInsert(ctx, domain.NewPurchase{
					Number:     fmt.Sprintf("PB-TX-%03d", i),
					ProductID:  id,
					Quantity:   1,
					TotalPrice: decimal.NewFromInt(1),
					CreatedAt:  time.Now(),
				})
				if err == nil {
					successCount.Add(1)
					return
				}
				assert.ErrorIs(t, err, domain.ErrInsufficientStock)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(10), successCount.Load())
		q, _ := s.GetQuantity(ctx, id)
		assert.Equal(t, 0, q)
		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, counts[domain.PurchaseStatusActive])
	})

	t.Run("PurchaseLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD001"].ID
		createdAt := time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC)

		p, err := s.Insert(ctx, domain.NewPurchase{
			Number:     "PB0001",
			ProductID:  id,
			Quantity:   2,
			TotalPrice: decimal.RequireFromString("30000001"),
			CreatedAt:  createdAt,
		})
		require.NoError(t, err)
		assert.NotZero(t, p.ID)
		assert.Equal(t, domain.PurchaseStatusActive, p.Status)

		_, err = s.Insert(ctx, domain.NewPurchase{Number: "PB0001", ProductID: id, Quantity: 1, TotalPrice: decimal.NewFromInt(1), CreatedAt: createdAt})
		assert.ErrorIs(t, err, domain.ErrDuplicatePurchaseNumber)

		active, err := s.GetActive(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "PB0001", active.Number)
		assert.Equal(t, 2, active.Quantity)
		assert.True(t, active.TotalPrice.Equal(decimal.RequireFromString("30000001")))
		assert.WithinDuration(t, createdAt, active.CreatedAt, time.Millisecond)
		assert.Nil(t, active.CancelledAt)

		cancelledAt := createdAt.Add(time.Hour)
		require.NoError(t, s.MarkCancelled(ctx, p.ID, cancelledAt))

		_, err = s.GetActive(ctx, p.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PurchaseStatusCancelled, got.Status)
		require.NotNil(t, got.CancelledAt)
		assert.WithinDuration(t, cancelledAt, *got.CancelledAt, time.Millisecond)

		assert.ErrorIs(t, s.MarkCancelled(ctx, p.ID, cancelledAt), domain.ErrInvalidTransition)
		assert.ErrorIs(t, s.MarkCancelled(ctx, 424242, cancelledAt), domain.ErrNotFound)

		_, err = s.Get(ctx, 424242)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD002"].ID
		base := time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC)

		var ids []int64
		for i, offset := range []time.Duration{0, time.Minute, time.Minute, 2 * time.Minute} {
			p, err := s.Insert(ctx, domain.NewPurchase{
				Number:     "PB-LIST-" + string(rune('A'+i)),
				ProductID:  id,
				Quantity:   1,
				TotalPrice: decimal.NewFromInt(750000),
				CreatedAt:  base.Add(offset),
			})
			require.NoError(t, err)
			ids = append(ids, p.ID)
		}
		require.NoError(t, s.MarkCancelled(ctx, ids[1], base.Add(time.Hour)))

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 4)
		// newest first, ties broken by the later id
		assert.Equal(t, []int64{ids[3], ids[2], ids[1], ids[0]},
			[]int64{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[domain.PurchaseStatusActive])
		assert.Equal(t, 1, counts[domain.PurchaseStatusCancelled])
	})

	t.Run("ConcurrentInsertSameNumber", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := seedContract(t, s)["PRD002"].ID

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Insert(ctx, domain.NewPurchase{
					Number:     "PB-RACE",
					ProductID:  id,
					Quantity:   1,
					TotalPrice: decimal.NewFromInt(1),
					CreatedAt:  time.Now(),
				})
				if err == nil {
					successCount.Add(1)
					return
				}
				assert.ErrorIs(t, err, domain.ErrDuplicatePurchaseNumber)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successCount.Load())
	})
}
