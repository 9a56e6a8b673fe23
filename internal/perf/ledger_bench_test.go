package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/odyssey-erp/stockledger/internal/stock"
	testenv "github.com/odyssey-erp/stockledger/testing"
)

func newLedger(tb testing.TB, products int, qty int64) *stock.Ledger {
	tb.Helper()
	l, err := stock.NewLedger(stock.LedgerConfig{
		TenantID: "bench",
		Backend:  stock.NewMemoryBackend(),
		Logger:   testenv.DiscardLogger(),
	})
	if err != nil {
		tb.Fatalf("new ledger: %v", err)
	}
	price := 1.0
	for i := 0; i < products; i++ {
		if _, err := l.Add(context.Background(), stock.ProductInput{ID: fmt.Sprintf("p%d", i), Name: "Bench", Price: &price, InitialStock: qty}); err != nil {
			tb.Fatalf("add: %v", err)
		}
	}
	return l
}

func BenchmarkDecreaseSingleProduct(b *testing.B) {
	l := newLedger(b, 1, int64(b.N)+1)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Decrease(ctx, stock.AdjustInput{ProductID: "p0", Qty: 1}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecreaseParallelProducts(b *testing.B) {
	l := newLedger(b, 64, 1<<40)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := l.Decrease(ctx, stock.AdjustInput{ProductID: fmt.Sprintf("p%d", i%64), Qty: 1}); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}

func BenchmarkBulkDeductOnSale(b *testing.B) {
	l := newLedger(b, 8, 1<<40)
	ctx := context.Background()
	lines := make([]stock.SaleLine, 0, 8)
	for i := 0; i < 8; i++ {
		lines = append(lines, stock.SaleLine{ProductID: fmt.Sprintf("p%d", i), Qty: 1})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.BulkDeductOnSale(ctx, lines, "", ""); err != nil {
			b.Fatal(err)
		}
	}
}

func TestEphemeralDecreaseLatencyTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("latency target skipped in short mode")
	}
	l := newLedger(t, 16, 1<<30)
	ctx := context.Background()
	samples := make([]time.Duration, 0, 2000)
	for i := 0; i < cap(samples); i++ {
		start := time.Now()
		if _, err := l.Decrease(ctx, stock.AdjustInput{ProductID: fmt.Sprintf("p%d", i%16), Qty: 1}); err != nil {
			t.Fatal(err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 5*time.Millisecond {
		t.Fatalf("ephemeral decrease latency regression: p95=%s threshold=5ms", p95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	return sorted[index]
}
