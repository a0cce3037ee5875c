package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSetKeepsNewestObservation(t *testing.T) {
	c := NewShardedPriceCache()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Set("crypto:BTC-USD", decimal.NewFromInt(100), t0.Add(time.Minute))
	c.Set("crypto:BTC-USD", decimal.NewFromInt(90), t0)

	price, at, ok := c.Get("crypto:BTC-USD")
	if !ok || !price.Equal(decimal.NewFromInt(100)) || !at.Equal(t0.Add(time.Minute)) {
		t.Fatalf("Get=%s %v %v, expected 100 at t0+1m", price, at, ok)
	}
}

func TestCleanupAndStats(t *testing.T) {
	c := NewShardedPriceCache()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := now
			if i%2 == 0 {
				at = now.Add(-2 * time.Hour)
			}
			c.Set(fmt.Sprintf("stocks:SYM%d", i), decimal.NewFromInt(int64(i+1)), at)
		}(i)
	}
	wg.Wait()

	if c.Len() != 64 {
		t.Fatalf("Len=%d, expected 64", c.Len())
	}
	if st := c.Stats(); !st.Oldest.Equal(now.Add(-2 * time.Hour)) {
		t.Fatalf("Oldest=%v", st.Oldest)
	}
	if removed := c.Cleanup(time.Hour, now); removed != 32 {
		t.Fatalf("removed=%d, expected 32", removed)
	}
	c.Delete("stocks:SYM1")
	if c.Len() != 31 {
		t.Fatalf("Len=%d, expected 31", c.Len())
	}
}
