package canon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const idPrefix = "canon"

// ID is a canonical identity, written as canon<N>.
type ID string

// Chain is the canonical identity of every message of a document, oldest
// first.
type Chain []ID

func FormatID(n int64) ID {
	return ID(idPrefix + strconv.FormatInt(n, 10))
}

func ParseID(raw string) (ID, error) {
	id := ID(strings.TrimSpace(raw))
	if _, ok := id.Number(); !ok {
		return "", fmt.Errorf("invalid canonical id %q", raw)
	}
	return id, nil
}

// Number returns N for canon<N>.
func (id ID) Number() (int64, bool) {
	s := string(id)
	if !strings.HasPrefix(s, idPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(s[len(idPrefix):], 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (id ID) String() string { return string(id) }

// Less orders by N; malformed IDs sort after well-formed ones, lexically.
func (id ID) Less(other ID) bool {
	a, okA := id.Number()
	b, okB := other.Number()
	switch {
	case okA && okB:
		return a < b
	case okA != okB:
		return okA
	default:
		return id < other
	}
}

func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

func (c Chain) Last() (ID, bool) {
	if len(c) == 0 {
		return "", false
	}
	return c[len(c)-1], true
}

func (c Chain) Strings() []string {
	out := make([]string, len(c))
	for i, id := range c {
		out[i] = string(id)
	}
	return out
}

func toIDs(values []string) []ID {
	out := make([]ID, len(values))
	for i, v := range values {
		out[i] = ID(v)
	}
	return out
}
