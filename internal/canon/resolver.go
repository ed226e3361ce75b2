package canon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/lsh"
	"horse.fit/mailthread/internal/minhash"
	"horse.fit/mailthread/internal/store"
)

const (
	resolveLockName = "canon:resolve"
	resolveLockTTL  = 30 * time.Second
)

// SimilarityIndex is the part of lsh.Index the resolvers need.
type SimilarityIndex interface {
	Query(ctx context.Context, sig minhash.Signature) ([]lsh.Match, error)
	Insert(ctx context.Context, key string, sig minhash.Signature) error
}

// Resolver maps a signature to the canonical identity of its cluster,
// creating one when nothing similar has been seen.
type Resolver interface {
	Resolve(ctx context.Context, sig minhash.Signature) (id ID, created bool, err error)
}

// OptimisticResolver queries and then inserts without coordination. Two
// workers resolving similar messages at the same time can both create an
// identity for what is one cluster.
type OptimisticResolver struct {
	index     SimilarityIndex
	allocator *Allocator
	logger    zerolog.Logger
}

func NewOptimisticResolver(index SimilarityIndex, allocator *Allocator, logger zerolog.Logger) *OptimisticResolver {
	return &OptimisticResolver{
		index:     index,
		allocator: allocator,
		logger:    logger,
	}
}

func (r *OptimisticResolver) Resolve(ctx context.Context, sig minhash.Signature) (ID, bool, error) {
	matches, err := r.index.Query(ctx, sig)
	if err != nil {
		return "", false, fmt.Errorf("query similarity index: %w", err)
	}
	if len(matches) > 0 {
		if len(matches) > 1 {
			r.logger.Debug().
				Str("canonical_id", matches[0].Key).
				Int("candidates", len(matches)).
				Msg("multiple canonical candidates")
		}
		return ID(matches[0].Key), false, nil
	}

	id, err := r.allocator.Allocate(ctx)
	if err != nil {
		return "", false, err
	}
	if err := r.index.Insert(ctx, string(id), sig); err != nil {
		return "", false, fmt.Errorf("index %s: %w", id, err)
	}
	return id, true, nil
}

// SerializedResolver runs the optimistic protocol while holding a lock that
// every worker sharing the store contends on, so at most one identity is
// created per cluster.
type SerializedResolver struct {
	inner  *OptimisticResolver
	locker store.Locker
}

func NewSerializedResolver(inner *OptimisticResolver, locker store.Locker) *SerializedResolver {
	return &SerializedResolver{inner: inner, locker: locker}
}

func (r *SerializedResolver) Resolve(ctx context.Context, sig minhash.Signature) (id ID, created bool, err error) {
	unlock, err := r.locker.Lock(ctx, resolveLockName, resolveLockTTL)
	if err != nil {
		return "", false, fmt.Errorf("acquire resolve lock: %w", err)
	}
	defer func() {
		// release even when ctx is already done
		if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return r.inner.Resolve(ctx, sig)
}

// NewResolver builds the resolver selected by RESOLVE_MODE.
func NewResolver(mode string, index SimilarityIndex, st store.Store, logger zerolog.Logger) (Resolver, error) {
	optimistic := NewOptimisticResolver(index, NewAllocator(st), logger)
	switch mode {
	case config.ResolveModeOptimistic, "":
		return optimistic, nil
	case config.ResolveModeSerialized:
		return NewSerializedResolver(optimistic, st), nil
	default:
		return nil, fmt.Errorf("unknown resolve mode %q", mode)
	}
}
