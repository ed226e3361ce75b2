// Package store is the shared state every worker reads and writes: an atomic
// counter, string hashes and string sets, plus a named lock.
//
// Individual operations are atomic; sequences of operations are not.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrLockTimeout = errors.New("lock wait cancelled")

type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	HSet(ctx context.Context, key, field, value string) error
	// HSetNX sets field only when it is absent and reports whether it did.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// Keys lists every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Locker
	Ping(ctx context.Context) error
	Close() error
}

// Locker serializes critical sections across every process sharing the store.
type Locker interface {
	// Lock blocks until name is held or ctx ends. ttl bounds how long a
	// crashed holder can keep the lock where the backend supports expiry.
	Lock(ctx context.Context, name string, ttl time.Duration) (Unlock, error)
}

type Unlock func(ctx context.Context) error

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
