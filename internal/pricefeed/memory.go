package pricefeed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
	"execution-core/pkg/cache"
)

// MemorySource serves quotes pushed into an in-process cache.
type MemorySource struct {
	cache *cache.ShardedPriceCache
}

func NewMemorySource() *MemorySource {
	return &MemorySource{cache: cache.NewShardedPriceCache()}
}

// Update records a price observation.
func (m *MemorySource) Update(key ledger.Key, price decimal.Decimal, at time.Time) {
	m.cache.Set(key.String(), price, at)
}

func (m *MemorySource) Latest(ctx context.Context, key ledger.Key) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	price, at, ok := m.cache.Get(key.String())
	if !ok {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "no price for %s", key)
	}
	return Quote{Price: price, At: at}, nil
}

// Forget drops a key, e.g. when the fetcher stops covering it.
func (m *MemorySource) Forget(key ledger.Key) { m.cache.Delete(key.String()) }

// Stats exposes the underlying cache statistics.
func (m *MemorySource) Stats() cache.CacheStats { return m.cache.Stats() }

// OnFill records the fill price as the latest quote, so a process without an
// external fetcher still marks positions at their last traded price.
func (m *MemorySource) OnFill(_ context.Context, fill ledger.Fill) {
	m.Update(fill.Order.Key(), fill.Order.Price, fill.Order.CreatedAt)
}
