package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newMiniRedisStore(t *testing.T) *Redis {
	t.Helper()
	server := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  newMiniRedisStore(t),
	}
}

func TestStoreIncrIsMonotonic(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				got, err := s.Incr(ctx, "canon:counter")
				if err != nil {
					t.Fatalf("Incr failed: %v", err)
				}
				if got != want {
					t.Fatalf("expected %d, got %d", want, got)
				}
			}
		})
	}
}

func TestStoreIncrConcurrentValuesAreUnique(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 16
			const perWorker = 25

			var mu sync.Mutex
			seen := map[int64]bool{}
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perWorker; j++ {
						v, err := s.Incr(ctx, "n")
						if err != nil {
							t.Errorf("Incr failed: %v", err)
							return
						}
						mu.Lock()
						seen[v] = true
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != workers*perWorker {
				t.Fatalf("expected %d unique values, got %d", workers*perWorker, len(seen))
			}
		})
	}
}

func TestStoreHashLastWriteWins(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := s.HGet(ctx, "canon_level", "canon1"); err != nil || ok {
				t.Fatalf("expected missing field, got ok=%v err=%v", ok, err)
			}
			if err := s.HSet(ctx, "canon_level", "canon1", "0"); err != nil {
				t.Fatalf("HSet failed: %v", err)
			}
			if err := s.HSet(ctx, "canon_level", "canon1", "2"); err != nil {
				t.Fatalf("HSet failed: %v", err)
			}
			if err := s.HSet(ctx, "canon_level", "canon2", "1"); err != nil {
				t.Fatalf("HSet failed: %v", err)
			}

			value, ok, err := s.HGet(ctx, "canon_level", "canon1")
			if err != nil || !ok || value != "2" {
				t.Fatalf("expected canon1=2, got %q ok=%v err=%v", value, ok, err)
			}

			all, err := s.HGetAll(ctx, "canon_level")
			if err != nil {
				t.Fatalf("HGetAll failed: %v", err)
			}
			want := map[string]string{"canon1": "2", "canon2": "1"}
			if !reflect.DeepEqual(all, want) {
				t.Fatalf("expected %v, got %v", want, all)
			}

			empty, err := s.HGetAll(ctx, "missing")
			if err != nil {
				t.Fatalf("HGetAll on missing key failed: %v", err)
			}
			if len(empty) != 0 {
				t.Fatalf("expected empty hash, got %v", empty)
			}
		})
	}
}

func TestStoreHSetNXKeepsFirstValue(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 16
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				won []string
			)
			for i := 0; i < writers; i++ {
				value := string(rune('a' + i))
				wg.Add(1)
				go func() {
					defer wg.Done()
					set, err := s.HSetNX(ctx, "email-lsh:meta", "fingerprint", value)
					if err != nil {
						t.Errorf("HSetNX failed: %v", err)
						return
					}
					if set {
						mu.Lock()
						won = append(won, value)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(won) != 1 {
				t.Fatalf("expected exactly one writer to win, got %v", won)
			}
			value, ok, err := s.HGet(ctx, "email-lsh:meta", "fingerprint")
			if err != nil || !ok || value != won[0] {
				t.Fatalf("expected %q stored, got %q ok=%v err=%v", won[0], value, ok, err)
			}
		})
	}
}

func TestStoreSetMembersSortedAndDeduplicated(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SAdd(ctx, "canon_docs:1", "b.txt", "a.txt"); err != nil {
				t.Fatalf("SAdd failed: %v", err)
			}
			if err := s.SAdd(ctx, "canon_docs:1", "a.txt", "c.txt"); err != nil {
				t.Fatalf("SAdd failed: %v", err)
			}
			if err := s.SAdd(ctx, "canon_docs:1"); err != nil {
				t.Fatalf("SAdd without members failed: %v", err)
			}

			members, err := s.SMembers(ctx, "canon_docs:1")
			if err != nil {
				t.Fatalf("SMembers failed: %v", err)
			}
			want := []string{"a.txt", "b.txt", "c.txt"}
			if !reflect.DeepEqual(members, want) {
				t.Fatalf("expected %v, got %v", want, members)
			}

			missing, err := s.SMembers(ctx, "canon_docs:404")
			if err != nil {
				t.Fatalf("SMembers on missing key failed: %v", err)
			}
			if len(missing) != 0 {
				t.Fatalf("expected no members, got %v", missing)
			}
		})
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"canon_docs:2", "canon_docs:10", "canon_children:1"} {
				if err := s.SAdd(ctx, key, "x"); err != nil {
					t.Fatalf("SAdd %s failed: %v", key, err)
				}
			}
			if err := s.HSet(ctx, "canon_level", "canon1", "0"); err != nil {
				t.Fatalf("HSet failed: %v", err)
			}
			if _, err := s.Incr(ctx, "canon:counter"); err != nil {
				t.Fatalf("Incr failed: %v", err)
			}

			keys, err := s.Keys(ctx, "canon_docs:")
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			want := []string{"canon_docs:10", "canon_docs:2"}
			if !reflect.DeepEqual(keys, want) {
				t.Fatalf("expected %v, got %v", want, keys)
			}

			keys, err = s.Keys(ctx, "canon")
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			if len(keys) != 5 {
				t.Fatalf("expected 5 keys under canon prefix, got %v", keys)
			}
		})
	}
}

func TestStoreLockIsExclusive(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := s.Lock(ctx, "resolve", time.Second)
			if err != nil {
				t.Fatalf("Lock failed: %v", err)
			}

			waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			if _, err := s.Lock(waitCtx, "resolve", time.Second); !errors.Is(err, ErrLockTimeout) {
				t.Fatalf("expected ErrLockTimeout while held, got %v", err)
			}

			other, err := s.Lock(ctx, "other", time.Second)
			if err != nil {
				t.Fatalf("independent lock should not block: %v", err)
			}
			if err := other(ctx); err != nil {
				t.Fatalf("unlock other failed: %v", err)
			}

			if err := unlock(ctx); err != nil {
				t.Fatalf("unlock failed: %v", err)
			}
			again, err := s.Lock(ctx, "resolve", time.Second)
			if err != nil {
				t.Fatalf("Lock after unlock failed: %v", err)
			}
			if err := again(ctx); err != nil {
				t.Fatalf("unlock failed: %v", err)
			}
		})
	}
}

func TestStoreLockSerializesCriticalSection(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					unlock, err := s.Lock(ctx, "section", time.Second)
					if err != nil {
						t.Errorf("Lock %d failed: %v", i, err)
						return
					}
					mu.Lock()
					inside++
					if inside > maxInside {
						maxInside = inside
					}
					mu.Unlock()
					time.Sleep(2 * time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
					if err := unlock(ctx); err != nil {
						t.Errorf("unlock %d failed: %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			if maxInside != 1 {
				t.Fatalf("expected at most one holder, saw %d", maxInside)
			}
		})
	}
}

func TestRedisUnlockDoesNotReleaseForeignToken(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	unlock, err := r.Lock(ctx, "resolve", time.Second)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	server.FastForward(2 * time.Second)

	second, err := r.Lock(ctx, "resolve", time.Minute)
	if err != nil {
		t.Fatalf("Lock after expiry failed: %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("stale unlock failed: %v", err)
	}
	if !server.Exists(redisLockPrefix + "resolve") {
		t.Fatalf("stale unlock released a lock it no longer owned")
	}
	if err := second(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if server.Exists(redisLockPrefix + "resolve") {
		t.Fatalf("expected lock key to be deleted")
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewRedis(context.Background(), RedisOptions{Addr: "  "}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"canon_docs:": "canon_docs:",
		"a*b?":        `a\*b\?`,
		"[x]":         `\[x\]`,
	}
	for in, want := range cases {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestTextArrayQuotesMembers(t *testing.T) {
	t.Parallel()

	got := textArray([]string{"a.txt", `we"ird\name`})
	want := `{"a.txt","we\"ird\\name"}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
