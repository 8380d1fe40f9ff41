package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/bidding"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/lock"
	"github.com/mirkobrombin/go-hammer/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrent bidders")
	requests    = flag.Int("n", 10000, "Bids per target")
	auctions    = flag.Int("a", 1, "Auctions the bids are spread over")
	target      = flag.String("target", "all", "Target: memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %s\n", "Stack", "Bids/sec", "Avg Latency", "P99 Latency", "Outcomes")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	lockOpts := presets.WithLockOptions(lock.WithRetry(1000, time.Millisecond), lock.WithRetryJitter(time.Millisecond))
	var (
		stack *presets.Stack
		err   error
	)
	switch name {
	case "memory":
		stack, err = presets.NewInMemoryStandalone(lockOpts)
	case "redis":
		stack, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, lockOpts)
	default:
		log.Printf("Unknown target: %s", name)
		return
	}
	if err != nil {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %v\n", name, "FAIL", "-", "-", err)
		return
	}
	defer stack.Close()

	ctx := context.Background()
	ids := make([]string, *auctions)
	for i := range ids {
		a, err := stack.Engine.CreateAuction(ctx, "bench-seller", bidding.NewAuction{
			Title:         fmt.Sprintf("bench %d", i),
			StartingPrice: decimal.NewFromInt(1),
			EndTime:       time.Now().Add(time.Hour),
		})
		if err != nil {
			fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %v\n", name, "FAIL", "-", "-", err)
			return
		}
		ids[i] = a.ID
	}

	var (
		wg       sync.WaitGroup
		seq      int64
		mu       sync.Mutex
		outcomes = map[hammererrors.Code]int{}
	)
	totalReqs := *requests
	latencies := make([]int64, totalReqs)
	chunk := totalReqs / *concurrency

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			local := map[hammererrors.Code]int{}
			for j := 0; j < chunk; j++ {
				// amounts grow globally but arrive out of order, so some bids lose
				n := atomic.AddInt64(&seq, 1)
				reqStart := time.Now()
				_, err := stack.Engine.PlaceBid(ctx, bidding.BidRequest{
					AuctionID: ids[int(n)%len(ids)],
					BidderID:  fmt.Sprintf("bidder-%d", idx),
					Amount:    decimal.NewFromInt(n + 1),
				})
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				code := hammererrors.CodeOf(err)
				if code == hammererrors.CodeOK {
					code = "OK"
				}
				local[code]++
			}
			mu.Lock()
			for k, v := range local {
				outcomes[k] += v
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	done := chunk * *concurrency
	if done == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | -\n", name, "ERROR", "-", "-")
		return
	}
	throughput := float64(done) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / int64(done))

	valid := latencies[:done]
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	p99Idx := int(float64(len(valid)) * 0.99)
	if p99Idx >= len(valid) {
		p99Idx = len(valid) - 1
	}
	p99 := time.Duration(valid[p99Idx])

	fmt.Printf("| %-10s | %-10.0f | %-12s | %-12s | %s\n", name, throughput, avgLat, p99, formatOutcomes(outcomes))
}

func formatOutcomes(m map[hammererrors.Code]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[hammererrors.Code(k)]))
	}
	return strings.Join(parts, " ")
}
