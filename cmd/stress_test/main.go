package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
)

func main() {
	useRedis := flag.Bool("redis", false, "keep stock in Redis (overwrites the stock key of the test product)")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address")
	flag.Parse()

	ctx := context.Background()

	store := storage.NewMemoryStore()
	product, _, err := store.SeedProduct(ctx, storage.SeedItem{
		Code:  "STRESS",
		Name:  "Flash sale item",
		Price: decimal.NewFromInt(100),
		Stock: initialStock,
	})
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	var stock port.StockLedger = store
	var recorder port.PurchaseRecorder = store
	if *useRedis {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()

		redisAdapter := storage.NewRedisAdapter(rdb)
		if err := redisAdapter.SetStock(ctx, product.ID, initialStock); err != nil {
			log.Fatalf("failed to set stock: %v", err)
		}
		stock = redisAdapter
		recorder = nil
	}

	purchaseService := service.NewPurchaseService(store, stock, store, service.Options{
		Numbers:  service.NewSequenceGenerator(1),
		Recorder: recorder,
	})
	purchaseService.Start(ctx)
	defer purchaseService.Close()

	// Phase 1: concurrent buys
	var (
		successCount atomic.Int32
		failCount    atomic.Int32
		mu           sync.Mutex
		purchased    []int64
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			p, err := purchaseService.CreatePurchase(ctx, product.ID, 1)
			if err != nil {
				failCount.Add(1)
				return
			}
			successCount.Add(1)
			mu.Lock()
			purchased = append(purchased, p.ID)
			mu.Unlock()
		}()
	}

	wg.Wait()
	buyElapsed := time.Since(start)
	afterBuy, _ := stock.GetQuantity(ctx, product.ID)

	// Phase 2: every purchase cancelled twice at once
	var cancelOK, cancelRejected atomic.Int32
	start = time.Now()

	for _, id := range purchased {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()

				if err := purchaseService.CancelPurchase(ctx, id); err == nil {
					cancelOK.Add(1)
				} else {
					cancelRejected.Add(1)
				}
			}(id)
		}
	}

	wg.Wait()
	cancelElapsed := time.Since(start)
	afterCancel, _ := stock.GetQuantity(ctx, product.ID)

	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Stock Backend:    %s\n", backendName(*useRedis))
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Buy Duration:     %v\n", buyElapsed)
	fmt.Printf("Cancels OK:       %d\n", cancelOK.Load())
	fmt.Printf("Cancels Rejected: %d\n", cancelRejected.Load())
	fmt.Printf("Cancel Duration:  %v\n", cancelElapsed)
	fmt.Println("==========================================")

	passed := true
	check := func(ok bool, pass, fail string) {
		if ok {
			fmt.Println("PASS: " + pass)
		} else {
			fmt.Println("FAIL: " + fail)
			passed = false
		}
	}

	check(success == initialStock && fail == totalRequests-initialStock,
		fmt.Sprintf("Exactly %d purchases succeeded, %d failed", initialStock, totalRequests-initialStock),
		fmt.Sprintf("Expected %d success/%d fail, got %d/%d", initialStock, totalRequests-initialStock, success, fail))
	check(afterBuy == 0,
		"Stock depleted to 0",
		fmt.Sprintf("Expected stock 0 after buying, got %d", afterBuy))
	check(cancelOK.Load() == success,
		"Each purchase cancelled exactly once",
		fmt.Sprintf("Expected %d cancellations, got %d", success, cancelOK.Load()))
	check(afterCancel == initialStock,
		fmt.Sprintf("Stock restored to %d", initialStock),
		fmt.Sprintf("Expected stock %d after cancelling, got %d", initialStock, afterCancel))

	summary, err := purchaseService.Summary(ctx)
	if err == nil {
		check(summary.ActivePurchases == 0 && summary.CancelledPurchases == int(success),
			"Ledger shows no active purchases",
			fmt.Sprintf("Ledger shows %d active, %d cancelled", summary.ActivePurchases, summary.CancelledPurchases))
	}

	if pending := purchaseService.Reconciler().Pending(); len(pending) > 0 {
		fmt.Printf("WARN: %d stock credits awaiting reconciliation\n", len(pending))
	}

	if !passed {
		os.Exit(1)
	}
}

func backendName(useRedis bool) string {
	if useRedis {
		return "redis"
	}
	return "memory"
}
