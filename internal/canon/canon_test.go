package canon

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/lsh"
	"horse.fit/mailthread/internal/minhash"
	"horse.fit/mailthread/internal/store"
)

const threeMessageThread = `From: carol@example.com
Subject: Re: Re: quarterly budget
Carol agrees and will book the large conference room on the third floor for thursday afternoon
From: bob@example.com
Subject: Re: quarterly budget
Bob thinks the marketing numbers look inflated and wants finance to double check every single line item
From: alice@example.com
Subject: quarterly budget
Alice attached the draft spreadsheet with projected revenue for next quarter please review before friday
`

func TestParseAndSortIDs(t *testing.T) {
	t.Parallel()

	if _, err := ParseID("canon0"); err == nil {
		t.Fatalf("expected canon0 to be rejected")
	}
	if _, err := ParseID("thread7"); err == nil {
		t.Fatalf("expected foreign prefix to be rejected")
	}
	id, err := ParseID(" canon12 ")
	if err != nil {
		t.Fatalf("ParseID failed: %v", err)
	}
	if n, ok := id.Number(); !ok || n != 12 {
		t.Fatalf("expected 12, got %d ok=%v", n, ok)
	}

	ids := []ID{"canon10", "bogus", "canon2", "canon1"}
	SortIDs(ids)
	want := []ID{"canon1", "canon2", "canon10", "bogus"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
}

func TestAllocatorConcurrentIDsAreDistinct(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	allocator := NewAllocator(store.NewMemory())

	const n = 200
	ids := make(chan ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := allocator.Allocate(ctx)
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[ID]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
	if !seen["canon1"] || !seen[FormatID(n)] {
		t.Fatalf("expected ids canon1..canon%d", n)
	}
}

func TestBuildChainIsOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	builder, _ := newTestPipeline(t, store.NewMemory(), config.ResolveModeOptimistic)

	// The oldest message sits at the bottom of the file; seeding it alone
	// pins it to canon1 before the full thread is processed.
	original := threeMessageThread[strings.Index(threeMessageThread, "From: alice"):]
	seed, err := builder.Build(ctx, original)
	if err != nil {
		t.Fatalf("Build original failed: %v", err)
	}
	if !reflect.DeepEqual(seed, Chain{"canon1"}) {
		t.Fatalf("expected original message as canon1, got %v", seed)
	}

	chain, err := builder.Build(ctx, threeMessageThread)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := Chain{"canon1", "canon2", "canon3"}
	if !reflect.DeepEqual(chain, want) {
		t.Fatalf("expected the original first and the newest reply last %v, got %v", want, chain)
	}
}

func TestBuildEmptyDocumentYieldsEmptyChain(t *testing.T) {
	t.Parallel()

	builder, _ := newTestPipeline(t, store.NewMemory(), config.ResolveModeOptimistic)
	chain, err := builder.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("expected empty chain, got %v", chain)
	}
}

func TestIdenticalDocumentsShareCanonical(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{config.ResolveModeOptimistic, config.ResolveModeSerialized} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			builder, hierarchy := newTestPipeline(t, st, mode)

			for _, doc := range []string{"001.txt", "002.txt"} {
				chain, err := builder.Build(ctx, threeMessageThread)
				if err != nil {
					t.Fatalf("Build %s failed: %v", doc, err)
				}
				if err := hierarchy.Record(ctx, doc, chain); err != nil {
					t.Fatalf("Record %s failed: %v", doc, err)
				}
			}

			canonicals, err := hierarchy.Canonicals(ctx)
			if err != nil {
				t.Fatalf("Canonicals failed: %v", err)
			}
			if !reflect.DeepEqual(canonicals, []ID{"canon3"}) {
				t.Fatalf("expected one canonical with members, got %v", canonicals)
			}
			members, err := hierarchy.Members(ctx, "canon3")
			if err != nil {
				t.Fatalf("Members failed: %v", err)
			}
			if !reflect.DeepEqual(members, []string{"001.txt", "002.txt"}) {
				t.Fatalf("unexpected members: %v", members)
			}
			for _, doc := range []string{"001.txt", "002.txt"} {
				id, ok, err := hierarchy.CanonicalOf(ctx, doc)
				if err != nil || !ok || id != "canon3" {
					t.Fatalf("expected %s -> canon3, got %q ok=%v err=%v", doc, id, ok, err)
				}
			}

			counter, err := st.Incr(ctx, CounterKey)
			if err != nil {
				t.Fatalf("Incr failed: %v", err)
			}
			if counter != 4 {
				t.Fatalf("expected three identities to have been allocated, next counter value %d", counter)
			}
		})
	}
}

func TestRecordWritesHierarchyFacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hierarchy := NewHierarchy(store.NewMemory())
	if err := hierarchy.Record(ctx, "doc.txt", Chain{"canon1", "canon2", "canon3"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	for id, want := range map[ID]int{"canon1": 0, "canon2": 1, "canon3": 2} {
		level, ok, err := hierarchy.Level(ctx, id)
		if err != nil || !ok || level != want {
			t.Fatalf("level(%s): expected %d, got %d ok=%v err=%v", id, want, level, ok, err)
		}
	}
	if _, ok, _ := hierarchy.Parent(ctx, "canon1"); ok {
		t.Fatalf("root should have no parent")
	}
	parent, ok, err := hierarchy.Parent(ctx, "canon3")
	if err != nil || !ok || parent != "canon2" {
		t.Fatalf("parent(canon3): expected canon2, got %q ok=%v err=%v", parent, ok, err)
	}
	children, err := hierarchy.Children(ctx, "canon1")
	if err != nil || !reflect.DeepEqual(children, []ID{"canon2"}) {
		t.Fatalf("children(canon1): got %v err=%v", children, err)
	}
	roots, err := hierarchy.Roots(ctx)
	if err != nil || !reflect.DeepEqual(roots, []ID{"canon1"}) {
		t.Fatalf("roots: got %v err=%v", roots, err)
	}
	members, err := hierarchy.Members(ctx, "canon1")
	if err != nil || len(members) != 0 {
		t.Fatalf("only the last id should get members, canon1 has %v err=%v", members, err)
	}
}

func TestRecordEmptyChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	hierarchy := NewHierarchy(st)

	if err := hierarchy.Record(ctx, "empty.txt", nil); !errors.Is(err, ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}
	keys, err := st.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected nothing recorded, got %v", keys)
	}
}

// Reprocessing is not idempotent: level, parent and the document mapping are
// overwritten by the latest chain while children and members accumulate.
func TestRecordIsLastWriteWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hierarchy := NewHierarchy(store.NewMemory())

	if err := hierarchy.Record(ctx, "a.txt", Chain{"canon1", "canon2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := hierarchy.Record(ctx, "a.txt", Chain{"canon3", "canon4", "canon2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	level, _, _ := hierarchy.Level(ctx, "canon2")
	if level != 2 {
		t.Fatalf("expected latest level 2 for canon2, got %d", level)
	}
	parent, _, _ := hierarchy.Parent(ctx, "canon2")
	if parent != "canon4" {
		t.Fatalf("expected latest parent canon4, got %s", parent)
	}
	children, _ := hierarchy.Children(ctx, "canon1")
	if !reflect.DeepEqual(children, []ID{"canon2"}) {
		t.Fatalf("children should accumulate, got %v", children)
	}
	members, _ := hierarchy.Members(ctx, "canon2")
	if !reflect.DeepEqual(members, []string{"a.txt"}) {
		t.Fatalf("unexpected members: %v", members)
	}
	roots, _ := hierarchy.Roots(ctx)
	if !reflect.DeepEqual(roots, []ID{"canon1", "canon3"}) {
		t.Fatalf("unexpected roots: %v", roots)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hierarchy := NewHierarchy(store.NewMemory())
	if err := hierarchy.Record(ctx, "x.txt", Chain{"canon1", "canon2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	detail, ok, err := hierarchy.Describe(ctx, "canon2")
	if err != nil || !ok {
		t.Fatalf("Describe failed: ok=%v err=%v", ok, err)
	}
	if detail.Level == nil || *detail.Level != 1 || detail.Parent == nil || *detail.Parent != "canon1" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if !reflect.DeepEqual(detail.Members, []string{"x.txt"}) {
		t.Fatalf("unexpected members: %v", detail.Members)
	}

	if _, ok, err := hierarchy.Describe(ctx, "canon99"); err != nil || ok {
		t.Fatalf("expected canon99 to be unknown, ok=%v err=%v", ok, err)
	}
}

func TestSerializedResolverCreatesOneIdentityUnderContention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	builder, _ := newTestPipeline(t, st, config.ResolveModeSerialized)

	const workers = 8
	chains := make([]Chain, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chain, err := builder.Build(ctx, threeMessageThread)
			if err != nil {
				t.Errorf("Build failed: %v", err)
				return
			}
			chains[i] = chain
		}(i)
	}
	wg.Wait()

	for i, chain := range chains {
		if !reflect.DeepEqual(chain, chains[0]) {
			t.Fatalf("worker %d built %v, worker 0 built %v", i, chain, chains[0])
		}
	}
}

type failingIndex struct{}

func (failingIndex) Query(context.Context, minhash.Signature) ([]lsh.Match, error) {
	return nil, fmt.Errorf("store unavailable")
}

func (failingIndex) Insert(context.Context, string, minhash.Signature) error {
	return nil
}

func TestBuildPropagatesIndexErrors(t *testing.T) {
	t.Parallel()

	hasher, err := minhash.NewHasher(minhash.DefaultParams())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	resolver := NewOptimisticResolver(failingIndex{}, NewAllocator(store.NewMemory()), zerolog.Nop())
	builder, err := NewChainBuilder(hasher, 2, resolver, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChainBuilder failed: %v", err)
	}
	if _, err := builder.Build(context.Background(), "From: a\nhello there"); err == nil {
		t.Fatalf("expected index error to propagate")
	}
}

func newTestPipeline(t *testing.T, st store.Store, mode string) (*ChainBuilder, *Hierarchy) {
	t.Helper()
	params := minhash.DefaultParams()
	index, err := lsh.Open(context.Background(), st, lsh.Options{Namespace: "email-lsh", Threshold: 0.7, Params: params})
	if err != nil {
		t.Fatalf("lsh.Open failed: %v", err)
	}
	hasher, err := minhash.NewHasher(params)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	resolver, err := NewResolver(mode, index, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	builder, err := NewChainBuilder(hasher, 2, resolver, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChainBuilder failed: %v", err)
	}
	return builder, NewHierarchy(st)
}
