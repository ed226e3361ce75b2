// Package lsh is a banded MinHash LSH index kept in the shared store, so that
// every worker queries and extends the same buckets.
package lsh

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"horse.fit/mailthread/internal/minhash"
	"horse.fit/mailthread/internal/store"
)

const DefaultNamespace = "email-lsh"

var (
	ErrDuplicateKey   = errors.New("key already indexed")
	ErrParamsMismatch = errors.New("index was created with different parameters")
)

const (
	metaParams    = "params"
	metaThreshold = "threshold"
	metaBands     = "bands"
	metaRows      = "rows"

	metaFingerprintField = "fingerprint"
)

var metaFields = []string{metaParams, metaThreshold, metaBands, metaRows}

type Options struct {
	Namespace string
	Threshold float64
	Params    minhash.Params
}

type Index struct {
	store     store.Store
	namespace string
	threshold float64
	params    minhash.Params
	bands     int
	rows      int
}

// Match is a verified candidate.
type Match struct {
	Key     string
	Jaccard float64
}

// Open binds an index to st. The first opener records the parameters under
// <namespace>:meta; later openers with different parameters get
// ErrParamsMismatch.
func Open(ctx context.Context, st store.Store, opts Options) (*Index, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	bands, rows, err := OptimalBands(opts.Threshold, opts.Params.NumPerm)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		store:     st,
		namespace: namespace,
		threshold: opts.Threshold,
		params:    opts.Params,
		bands:     bands,
		rows:      rows,
	}
	if err := idx.checkMeta(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) Namespace() string { return i.namespace }

func (i *Index) Threshold() float64 { return i.threshold }

func (i *Index) Bands() (bands, rows int) { return i.bands, i.rows }

// checkMeta claims <namespace>:meta with a single fingerprint field so that
// concurrent first openers cannot interleave partial writes. The per-field
// entries are informational copies.
func (i *Index) checkMeta(ctx context.Context) error {
	metaKey := i.namespace + ":meta"
	want := map[string]string{
		metaParams:    i.params.String(),
		metaThreshold: strconv.FormatFloat(i.threshold, 'g', -1, 64),
		metaBands:     strconv.Itoa(i.bands),
		metaRows:      strconv.Itoa(i.rows),
	}
	fingerprint := metaFingerprint(want)

	claimed, err := i.store.HSetNX(ctx, metaKey, metaFingerprintField, fingerprint)
	if err != nil {
		return fmt.Errorf("write index meta: %w", err)
	}
	if !claimed {
		have, ok, err := i.store.HGet(ctx, metaKey, metaFingerprintField)
		if err != nil {
			return fmt.Errorf("load index meta: %w", err)
		}
		if !ok || have != fingerprint {
			return fmt.Errorf("%w: index is %q, configured %q", ErrParamsMismatch, have, fingerprint)
		}
	}

	for _, field := range metaFields {
		if err := i.store.HSet(ctx, metaKey, field, want[field]); err != nil {
			return fmt.Errorf("write index meta: %w", err)
		}
	}
	return nil
}

func metaFingerprint(fields map[string]string) string {
	parts := make([]string, len(metaFields))
	for n, field := range metaFields {
		parts[n] = field + "=" + fields[field]
	}
	return strings.Join(parts, ";")
}

// Query returns the keys whose stored signature estimates a Jaccard
// similarity of at least the threshold, most similar first with ties in
// natural key order. The order is a convenience, not a ranking guarantee.
func (i *Index) Query(ctx context.Context, sig minhash.Signature) ([]Match, error) {
	if err := i.checkLength(sig); err != nil {
		return nil, err
	}

	candidates := map[string]struct{}{}
	for band := 0; band < i.bands; band++ {
		members, err := i.store.SMembers(ctx, i.bandKey(band, sig))
		if err != nil {
			return nil, fmt.Errorf("read band %d: %w", band, err)
		}
		for _, member := range members {
			candidates[member] = struct{}{}
		}
	}

	matches := make([]Match, 0, len(candidates))
	for key := range candidates {
		encoded, ok, err := i.store.HGet(ctx, i.sigKey(), key)
		if err != nil {
			return nil, fmt.Errorf("read signature %s: %w", key, err)
		}
		if !ok {
			continue
		}
		stored, err := minhash.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", key, err)
		}
		jaccard, err := sig.Jaccard(stored)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", key, err)
		}
		if jaccard >= i.threshold {
			matches = append(matches, Match{Key: key, Jaccard: jaccard})
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Jaccard != matches[b].Jaccard {
			return matches[a].Jaccard > matches[b].Jaccard
		}
		return NaturalLess(matches[a].Key, matches[b].Key)
	})
	return matches, nil
}

// Insert stores sig under key and adds key to every band bucket. The
// duplicate check and the writes are separate store operations.
func (i *Index) Insert(ctx context.Context, key string, sig minhash.Signature) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("index key is required")
	}
	if err := i.checkLength(sig); err != nil {
		return err
	}

	_, exists, err := i.store.HGet(ctx, i.sigKey(), key)
	if err != nil {
		return fmt.Errorf("check key %s: %w", key, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	if err := i.store.HSet(ctx, i.sigKey(), key, sig.Encode()); err != nil {
		return fmt.Errorf("store signature %s: %w", key, err)
	}
	for band := 0; band < i.bands; band++ {
		if err := i.store.SAdd(ctx, i.bandKey(band, sig), key); err != nil {
			return fmt.Errorf("add %s to band %d: %w", key, band, err)
		}
	}
	return nil
}

// Size counts indexed keys.
func (i *Index) Size(ctx context.Context) (int, error) {
	all, err := i.store.HGetAll(ctx, i.sigKey())
	if err != nil {
		return 0, fmt.Errorf("count signatures: %w", err)
	}
	return len(all), nil
}

func (i *Index) checkLength(sig minhash.Signature) error {
	if len(sig) != i.params.NumPerm {
		return fmt.Errorf("%w: index uses %d permutations, got %d", minhash.ErrSignatureLength, i.params.NumPerm, len(sig))
	}
	return nil
}

func (i *Index) sigKey() string {
	return i.namespace + ":sig"
}

func (i *Index) bandKey(band int, sig minhash.Signature) string {
	return i.namespace + ":band:" + strconv.Itoa(band) + ":" + bandHash(sig[band*i.rows:(band+1)*i.rows])
}

func bandHash(values []uint32) string {
	buf := make([]byte, 4*len(values))
	for j, v := range values {
		binary.LittleEndian.PutUint32(buf[4*j:], v)
	}
	h := fnv.New64a()
	_, _ = h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

// NaturalLess orders keys that share a prefix by their numeric suffix, so
// canon2 sorts before canon10.
func NaturalLess(a, b string) bool {
	if len(a) != len(b) {
		pa, na := splitNumericSuffix(a)
		pb, nb := splitNumericSuffix(b)
		if pa == pb && na >= 0 && nb >= 0 {
			return na < nb
		}
	}
	return a < b
}

func splitNumericSuffix(s string) (string, int64) {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return s, -1
	}
	n, err := strconv.ParseInt(s[start:end], 10, 64)
	if err != nil {
		return s, -1
	}
	return s[:start], n
}
