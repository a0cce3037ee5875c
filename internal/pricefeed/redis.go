package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
)

// RedisConfig configures the redis-backed source.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	PoolSize    int
	DialTimeout time.Duration
}

// RedisSource reads hashes written by the candle fetcher:
//
//	HSET <prefix>:price:<market>:<symbol> price 101.25 ts 1714557600000
//
// ts is unix milliseconds.
type RedisSource struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSource connects and pings the server.
func NewRedisSource(ctx context.Context, cfg RedisConfig) (*RedisSource, *redis.Client, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSourceFromClient(client, cfg.Prefix), client, nil
}

// NewRedisSourceFromClient wraps an existing client.
func NewRedisSourceFromClient(client redis.Cmdable, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "market"
	}
	return &RedisSource{client: client, prefix: prefix}
}

// QuoteKey is the redis hash key for a position key.
func (r *RedisSource) QuoteKey(key ledger.Key) string {
	return r.prefix + ":price:" + key.Market + ":" + key.Symbol
}

func (r *RedisSource) Latest(ctx context.Context, key ledger.Key) (Quote, error) {
	fields, err := r.client.HGetAll(ctx, r.QuoteKey(key)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("redis hgetall %s: %w", r.QuoteKey(key), err)
	}
	if len(fields) == 0 {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "no price for %s", key)
	}
	return parseQuote(key, fields)
}

func parseQuote(key ledger.Key, fields map[string]string) (Quote, error) {
	raw, ok := fields["price"]
	if !ok {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "price field missing for %s", key)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "bad price %q for %s", raw, key)
	}
	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "bad timestamp %q for %s", fields["ts"], key)
	}
	return Quote{Price: price, At: time.UnixMilli(ts).UTC()}, nil
}
