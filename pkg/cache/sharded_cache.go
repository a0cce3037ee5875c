package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache holds the latest observed price per key, sharded to keep
// lock contention low when many keys are written concurrently.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price      decimal.Decimal
	observedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price observed at observedAt. An older observation never
// replaces a newer one.
func (c *ShardedPriceCache) Set(key string, price decimal.Decimal, observedAt time.Time) {
	shard := c.getShard(key)
	shard.mu.Lock()
	if cur, ok := shard.items[key]; !ok || !observedAt.Before(cur.observedAt) {
		shard.items[key] = priceEntry{price: price, observedAt: observedAt}
	}
	shard.mu.Unlock()
}

// Get retrieves the price and when it was observed.
func (c *ShardedPriceCache) Get(key string) (decimal.Decimal, time.Time, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	return entry.price, entry.observedAt, ok
}

// Delete removes a key from the cache.
func (c *ShardedPriceCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries observed before now-maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration, now time.Time) int {
	removed := 0
	cutoff := now.Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.observedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	Oldest      time.Time      `json:"oldest"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if stats.Oldest.IsZero() || entry.observedAt.Before(stats.Oldest) {
				stats.Oldest = entry.observedAt
			}
		}
		shard.mu.RUnlock()
	}
	return stats
}
