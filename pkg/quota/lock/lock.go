// Package lock serializes admissions that touch the same budgets.
//
// The ledger transaction alone is enough for correctness on a single
// SQLite file. Lockers keep concurrent reservations on one scope from
// piling into serialization retries on shared databases, and make
// admissions on disjoint scopes independent.
package lock

import (
	"context"
	"sort"
)

// Locker acquires a set of named locks.
type Locker interface {
	// Lock acquires every key, in sorted order, and returns a function
	// that releases them. It blocks until all keys are held or ctx ends.
	Lock(ctx context.Context, keys []string) (func(), error)

	// Name identifies the implementation in logs.
	Name() string
}

// normalize sorts and de-duplicates keys so that every caller acquires in
// the same order.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if k == "" || (i > 0 && k == out[i-1]) {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// Nop is a Locker that holds nothing.
type Nop struct{}

// Lock implements Locker.
func (Nop) Lock(ctx context.Context, _ []string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// Name implements Locker.
func (Nop) Name() string { return "none" }
