// Package pricefeed supplies the latest price per position key. Prices are
// written by an external fetcher; this package only reads and ages them.
package pricefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
)

// Quote is a price and the time it was observed.
type Quote struct {
	Price decimal.Decimal
	At    time.Time
}

// Source returns the latest quote for a key. A missing quote is a
// stale_price error.
type Source interface {
	Latest(ctx context.Context, key ledger.Key) (Quote, error)
}

// Fresh wraps a Source and rejects quotes older than maxAge. maxAge 0
// disables the age check.
type Fresh struct {
	src    Source
	maxAge atomic.Int64
	now    func() time.Time
}

func NewFresh(src Source, maxAge time.Duration, now func() time.Time) *Fresh {
	if now == nil {
		now = time.Now
	}
	f := &Fresh{src: src, now: now}
	f.maxAge.Store(int64(maxAge))
	return f
}

// SetMaxAge changes the freshness bound, e.g. after a policy reload.
func (f *Fresh) SetMaxAge(d time.Duration) { f.maxAge.Store(int64(d)) }

func (f *Fresh) Latest(ctx context.Context, key ledger.Key) (Quote, error) {
	q, err := f.src.Latest(ctx, key)
	if err != nil {
		return Quote{}, err
	}
	if !q.Price.IsPositive() {
		return Quote{}, apperr.New(apperr.CodeStalePrice, "non-positive price %s for %s", q.Price, key)
	}
	if maxAge := time.Duration(f.maxAge.Load()); maxAge > 0 {
		if age := f.now().Sub(q.At); age > maxAge {
			return Quote{}, apperr.New(apperr.CodeStalePrice, "price for %s is %s old (max %s)", key, age.Truncate(time.Second), maxAge)
		}
	}
	return q, nil
}

// Lookup fetches one quote with its own timeout. A timeout or transport
// failure is reported as stale_price so callers fail safe.
func Lookup(ctx context.Context, src Source, key ledger.Key, timeout time.Duration) (Quote, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	q, err := src.Latest(ctx, key)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeStalePrice {
			return Quote{}, err
		}
		return Quote{}, apperr.New(apperr.CodeStalePrice, "price lookup for %s failed: %v", key, err)
	}
	return q, nil
}

// Marks looks up every key and returns the fresh marks plus the keys that
// had none.
func Marks(ctx context.Context, src Source, keys []ledger.Key, timeout time.Duration) (map[ledger.Key]ledger.Mark, []ledger.Key) {
	marks := make(map[ledger.Key]ledger.Mark, len(keys))
	var missing []ledger.Key
	for _, k := range keys {
		q, err := Lookup(ctx, src, k, timeout)
		if err != nil {
			missing = append(missing, k)
			continue
		}
		marks[k] = ledger.Mark{Price: q.Price, At: q.At}
	}
	return marks, missing
}
