package canon

import (
	"context"
	"fmt"

	"horse.fit/mailthread/internal/store"
)

const CounterKey = "canon:counter"

// Allocator mints canonical identities from the shared counter. Concurrent
// callers never receive the same ID; gaps are possible.
type Allocator struct {
	store store.Store
}

func NewAllocator(st store.Store) *Allocator {
	return &Allocator{store: st}
}

func (a *Allocator) Allocate(ctx context.Context) (ID, error) {
	n, err := a.store.Incr(ctx, CounterKey)
	if err != nil {
		return "", fmt.Errorf("allocate canonical id: %w", err)
	}
	return FormatID(n), nil
}
