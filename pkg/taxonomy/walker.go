package taxonomy

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// ChildFetcher retrieves the direct children of a taxonomy code from an
// external source. No implementation ships with this module; callers
// embedding a crawler provide one.
type ChildFetcher interface {
	Children(ctx context.Context, code string) ([]models.TaxonomyRecord, error)
}

// Walker traverses a taxonomy breadth-first from its roots and yields a flat
// stream in which every parent precedes its children. Level-5 codes and
// codes whose length maps to no level are yielded but never expanded.
type Walker struct {
	fetcher ChildFetcher
	limiter *rate.Limiter

	pending  []models.TaxonomyRecord // fetched, not yet yielded
	frontier []string                // yielded, not yet expanded
	err      error
}

// NewWalker returns a walker starting at roots. limiter spaces out fetches;
// nil disables throttling.
func NewWalker(fetcher ChildFetcher, limiter *rate.Limiter, roots ...models.TaxonomyRecord) *Walker {
	pending := make([]models.TaxonomyRecord, len(roots))
	copy(pending, roots)
	return &Walker{fetcher: fetcher, limiter: limiter, pending: pending}
}

var _ Stream[models.TaxonomyRecord] = (*Walker)(nil)

// Next yields the next record in breadth-first order or io.EOF.
// A fetch failure ends the walk; the same error is returned from then on.
func (w *Walker) Next(ctx context.Context) (models.TaxonomyRecord, error) {
	if w.err != nil {
		return models.TaxonomyRecord{}, w.err
	}

	for len(w.pending) == 0 {
		if len(w.frontier) == 0 {
			w.err = io.EOF
			return models.TaxonomyRecord{}, io.EOF
		}
		code := w.frontier[0]
		w.frontier = w.frontier[1:]

		if err := w.fetch(ctx, code); err != nil {
			w.err = err
			return models.TaxonomyRecord{}, err
		}
	}

	rec := w.pending[0]
	w.pending = w.pending[1:]
	if level, ok := models.LevelForCode(rec.Code); ok && level < models.MaxLevel {
		w.frontier = append(w.frontier, rec.Code)
	}
	return rec, nil
}

func (w *Walker) fetch(ctx context.Context, code string) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting to fetch children of %s: %w", code, err)
		}
	}

	children, err := w.fetcher.Children(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to fetch children of %s: %w", code, err)
	}

	for _, child := range children {
		if child.ParentCode == "" {
			child.ParentCode = code
		}
		if child.Level == 0 {
			child.Level, _ = models.LevelForCode(child.Code)
		}
		w.pending = append(w.pending, child)
	}
	return nil
}
