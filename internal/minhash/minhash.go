// Package minhash computes MinHash signatures over shingle sets.
//
// Signatures are only comparable when produced with identical Params; every
// worker must be configured with the same seed and permutation count.
package minhash

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"math/rand"

	"horse.fit/mailthread/internal/text"
)

const (
	DefaultNumPerm = 128
	DefaultSeed    = 1

	mersennePrime uint64 = (1 << 61) - 1
	maxHash       uint64 = (1 << 32) - 1
)

var ErrSignatureLength = errors.New("signature length mismatch")

type Params struct {
	Seed    int64
	NumPerm int
}

func DefaultParams() Params {
	return Params{Seed: DefaultSeed, NumPerm: DefaultNumPerm}
}

func (p Params) Validate() error {
	if p.NumPerm < 1 {
		return fmt.Errorf("num_perm must be >= 1 (got %d)", p.NumPerm)
	}
	return nil
}

// String is the fingerprint stored next to an index so that a worker with a
// different configuration is refused instead of silently never matching.
func (p Params) String() string {
	return fmt.Sprintf("seed=%d,num_perm=%d", p.Seed, p.NumPerm)
}

// Hasher holds the permutation coefficients derived from Params.
type Hasher struct {
	params Params
	a      []uint64
	b      []uint64
}

func NewHasher(params Params) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(params.Seed))
	a := make([]uint64, params.NumPerm)
	b := make([]uint64, params.NumPerm)
	for i := 0; i < params.NumPerm; i++ {
		a[i] = 1 + uint64(rng.Int63n(int64(mersennePrime-1)))
		b[i] = uint64(rng.Int63n(int64(mersennePrime)))
	}

	return &Hasher{params: params, a: a, b: b}, nil
}

func (h *Hasher) Params() Params {
	return h.params
}

// Signature returns the componentwise minimum of every permutation over the
// shingles. An empty set yields a signature of all max values.
func (h *Hasher) Signature(shingles text.Set) Signature {
	sig := make(Signature, h.params.NumPerm)
	for i := range sig {
		sig[i] = uint32(maxHash)
	}

	for shingle := range shingles {
		hv := hash32([]byte(shingle))
		for i := range sig {
			if v := h.permute(i, hv); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

func (h *Hasher) permute(i int, hv uint32) uint32 {
	hi, lo := bits.Mul64(h.a[i], uint64(hv))
	_, rem := bits.Div64(hi, lo, mersennePrime)
	rem += h.b[i]
	if rem >= mersennePrime {
		rem -= mersennePrime
	}
	return uint32(rem & maxHash)
}

func hash32(data []byte) uint32 {
	sum := sha1.Sum(data)
	return binary.LittleEndian.Uint32(sum[:4])
}

type Signature []uint32

// Jaccard estimates the Jaccard similarity of the underlying sets as the
// fraction of equal components.
func (s Signature) Jaccard(other Signature) (float64, error) {
	if len(s) != len(other) {
		return 0, fmt.Errorf("%w: %d != %d", ErrSignatureLength, len(s), len(other))
	}
	if len(s) == 0 {
		return 0, nil
	}

	equal := 0
	for i := range s {
		if s[i] == other[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(s)), nil
}

func (s Signature) Encode() string {
	buf := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}

func Decode(encoded string) (Signature, error) {
	buf, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("decode signature: %d bytes is not a multiple of 4", len(buf))
	}

	sig := make(Signature, len(buf)/4)
	for i := range sig {
		sig[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return sig, nil
}
