// Package report renders the hierarchy into the two plain-text reports.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/canon"
)

const (
	FlatFileName = "canonical_threads.txt"
	TreeFileName = "hierarchical_structure.txt"
)

// Source is the read side of canon.Hierarchy.
type Source interface {
	Canonicals(ctx context.Context) ([]canon.ID, error)
	Members(ctx context.Context, id canon.ID) ([]string, error)
	Roots(ctx context.Context) ([]canon.ID, error)
	Children(ctx context.Context, id canon.ID) ([]canon.ID, error)
}

type Exporter struct {
	source Source
	logger zerolog.Logger
}

func NewExporter(source Source, logger zerolog.Logger) *Exporter {
	return &Exporter{source: source, logger: logger}
}

// WriteFlat writes "<id>:" followed by one "\t- <doc>" line per member, for
// every canonical with members. Lines are joined by "\n" with no trailing
// newline.
func (e *Exporter) WriteFlat(ctx context.Context, w io.Writer) error {
	ids, err := e.source.Canonicals(ctx)
	if err != nil {
		return err
	}

	lines := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		members, err := e.source.Members(ctx, id)
		if err != nil {
			return err
		}
		lines = append(lines, string(id)+":")
		for _, doc := range members {
			lines = append(lines, "\t- "+doc)
		}
	}

	if _, err := io.WriteString(w, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write flat report: %w", err)
	}
	return nil
}

// WriteTree writes one line per root-to-leaf path. A child already on the
// current path ends the path there.
func (e *Exporter) WriteTree(ctx context.Context, w io.Writer) error {
	roots, err := e.source.Roots(ctx)
	if err != nil {
		return err
	}

	for _, root := range roots {
		paths, err := e.paths(ctx, root)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if _, err := io.WriteString(w, joinPath(path)+"\n"); err != nil {
				return fmt.Errorf("write tree report: %w", err)
			}
		}
	}
	return nil
}

type frame struct {
	path []canon.ID
	// cycle marks a path cut short because its next child was already on it.
	cycle bool
}

func (e *Exporter) paths(ctx context.Context, root canon.ID) ([][]canon.ID, error) {
	var out [][]canon.ID
	stack := []frame{{path: []canon.ID{root}}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.cycle {
			out = append(out, top.path)
			continue
		}
		current := top.path[len(top.path)-1]

		children, err := e.source.Children(ctx, current)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			out = append(out, top.path)
			continue
		}

		// Pushed in reverse so the smallest child is expanded first.
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			if onPath(top.path, child) {
				e.logger.Warn().
					Str("canonical_id", string(child)).
					Str("path", joinPath(top.path)).
					Msg("cycle in hierarchy, truncating path")
				stack = append(stack, frame{path: top.path, cycle: true})
				continue
			}
			next := make([]canon.ID, len(top.path)+1)
			copy(next, top.path)
			next[len(top.path)] = child
			stack = append(stack, frame{path: next})
		}
	}
	return out, nil
}

func onPath(path []canon.ID, id canon.ID) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func joinPath(path []canon.ID) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

// Export writes both reports into dir, creating it if needed.
func (e *Exporter) Export(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir %s: %w", dir, err)
	}
	if err := e.writeFile(ctx, filepath.Join(dir, FlatFileName), e.WriteFlat); err != nil {
		return err
	}
	if err := e.writeFile(ctx, filepath.Join(dir, TreeFileName), e.WriteTree); err != nil {
		return err
	}
	e.logger.Info().Str("dir", dir).Msg("reports exported")
	return nil
}

func (e *Exporter) writeFile(ctx context.Context, path string, render func(context.Context, io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := render(ctx, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
