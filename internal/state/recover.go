package state

import (
	"fmt"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

// Recover opens the state file at path and rebuilds the ledger from it,
// persisting through the returned store. When no file exists the ledger is
// seeded with initialCash and written out before returning, so a later
// guard save never records an empty ledger section.
func Recover(path string, initialCash decimal.Decimal, opts ...ledger.Option) (*Store, *ledger.Ledger, bool, error) {
	store, found, err := Open(path)
	if err != nil {
		return nil, nil, false, err
	}
	opts = append(opts, ledger.WithPersister(store))

	if found {
		l, err := ledger.Restore(store.Document().Ledger, opts...)
		if err != nil {
			return nil, nil, false, err
		}
		return store, l, true, nil
	}

	l := ledger.New(initialCash, opts...)
	if err := store.SaveLedger(l.Section()); err != nil {
		return nil, nil, false, fmt.Errorf("seed state file: %w", err)
	}
	return store, l, false, nil
}
