package canon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"horse.fit/mailthread/internal/store"
)

const (
	LevelKey       = "canon_level"
	ParentKey      = "canon_parent"
	DocToCanonKey  = "doc_to_canon"
	ChildrenPrefix = "canon_children:"
	MembersPrefix  = "canon_docs:"
)

var ErrEmptyChain = errors.New("canonical chain is empty")

// Hierarchy records and reads the facts derived from chains. Level, parent
// and document mapping are last-write-wins across chains; children and
// members only ever grow.
type Hierarchy struct {
	store store.Store
}

func NewHierarchy(st store.Store) *Hierarchy {
	return &Hierarchy{store: st}
}

// Record writes the facts of one document's chain. Reprocessing a document
// overwrites its level, parent and mapping entries.
func (h *Hierarchy) Record(ctx context.Context, docID string, chain Chain) error {
	last, ok := chain.Last()
	if !ok {
		return fmt.Errorf("%w: doc %s", ErrEmptyChain, docID)
	}

	for i, id := range chain {
		if err := h.store.HSet(ctx, LevelKey, string(id), strconv.Itoa(i)); err != nil {
			return fmt.Errorf("set level of %s: %w", id, err)
		}
	}
	for i := 1; i < len(chain); i++ {
		parent, child := chain[i-1], chain[i]
		if err := h.store.HSet(ctx, ParentKey, string(child), string(parent)); err != nil {
			return fmt.Errorf("set parent of %s: %w", child, err)
		}
		if err := h.store.SAdd(ctx, ChildrenPrefix+string(parent), string(child)); err != nil {
			return fmt.Errorf("add child %s to %s: %w", child, parent, err)
		}
	}

	if err := h.store.HSet(ctx, DocToCanonKey, docID, string(last)); err != nil {
		return fmt.Errorf("map doc %s: %w", docID, err)
	}
	if err := h.store.SAdd(ctx, MembersPrefix+string(last), docID); err != nil {
		return fmt.Errorf("add doc %s to %s: %w", docID, last, err)
	}
	return nil
}

func (h *Hierarchy) Level(ctx context.Context, id ID) (int, bool, error) {
	raw, ok, err := h.store.HGet(ctx, LevelKey, string(id))
	if err != nil || !ok {
		return 0, false, err
	}
	level, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("level of %s: %w", id, err)
	}
	return level, true, nil
}

func (h *Hierarchy) Parent(ctx context.Context, id ID) (ID, bool, error) {
	raw, ok, err := h.store.HGet(ctx, ParentKey, string(id))
	if err != nil || !ok {
		return "", false, err
	}
	return ID(raw), true, nil
}

// Children returns the successors ever recorded for id, in ID order.
func (h *Hierarchy) Children(ctx context.Context, id ID) ([]ID, error) {
	members, err := h.store.SMembers(ctx, ChildrenPrefix+string(id))
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", id, err)
	}
	ids := toIDs(members)
	SortIDs(ids)
	return ids, nil
}

// Members returns the documents whose chain ends at id, sorted.
func (h *Hierarchy) Members(ctx context.Context, id ID) ([]string, error) {
	members, err := h.store.SMembers(ctx, MembersPrefix+string(id))
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", id, err)
	}
	sort.Strings(members)
	return members, nil
}

func (h *Hierarchy) CanonicalOf(ctx context.Context, docID string) (ID, bool, error) {
	raw, ok, err := h.store.HGet(ctx, DocToCanonKey, docID)
	if err != nil || !ok {
		return "", false, err
	}
	return ID(raw), true, nil
}

func (h *Hierarchy) Levels(ctx context.Context) (map[ID]int, error) {
	raw, err := h.store.HGetAll(ctx, LevelKey)
	if err != nil {
		return nil, fmt.Errorf("load levels: %w", err)
	}
	out := make(map[ID]int, len(raw))
	for id, value := range raw {
		level, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("level of %s: %w", id, err)
		}
		out[ID(id)] = level
	}
	return out, nil
}

// Roots returns every ID whose current level is 0, in ID order.
func (h *Hierarchy) Roots(ctx context.Context) ([]ID, error) {
	levels, err := h.Levels(ctx)
	if err != nil {
		return nil, err
	}
	roots := make([]ID, 0)
	for id, level := range levels {
		if level == 0 {
			roots = append(roots, id)
		}
	}
	SortIDs(roots)
	return roots, nil
}

// Canonicals returns every ID with at least one member document, in ID order.
func (h *Hierarchy) Canonicals(ctx context.Context) ([]ID, error) {
	keys, err := h.store.Keys(ctx, MembersPrefix)
	if err != nil {
		return nil, fmt.Errorf("list member keys: %w", err)
	}
	ids := make([]ID, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, ID(strings.TrimPrefix(key, MembersPrefix)))
	}
	SortIDs(ids)
	return ids, nil
}

// Detail is everything recorded about one canonical identity.
type Detail struct {
	ID       ID       `json:"id"`
	Level    *int     `json:"level"`
	Parent   *ID      `json:"parent"`
	Children []ID     `json:"children"`
	Members  []string `json:"members"`
}

// Describe returns ok=false when nothing at all is recorded for id.
func (h *Hierarchy) Describe(ctx context.Context, id ID) (Detail, bool, error) {
	detail := Detail{ID: id}

	level, hasLevel, err := h.Level(ctx, id)
	if err != nil {
		return Detail{}, false, err
	}
	if hasLevel {
		detail.Level = &level
	}
	parent, hasParent, err := h.Parent(ctx, id)
	if err != nil {
		return Detail{}, false, err
	}
	if hasParent {
		detail.Parent = &parent
	}
	if detail.Children, err = h.Children(ctx, id); err != nil {
		return Detail{}, false, err
	}
	if detail.Members, err = h.Members(ctx, id); err != nil {
		return Detail{}, false, err
	}

	found := hasLevel || hasParent || len(detail.Children) > 0 || len(detail.Members) > 0
	return detail, found, nil
}
