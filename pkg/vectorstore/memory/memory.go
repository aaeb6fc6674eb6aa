// Package memory is an exact, in-process cosine similarity index.
package memory

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore"
)

type entry struct {
	id   string
	vec  []float32
	norm float64
}

// Index is read-only once built and safe for concurrent lookups.
type Index struct {
	entries []entry
	dim     int
}

// FromEntities indexes the embeddings carried by the snapshot entities, in
// snapshot order. Entities without an embedding are skipped.
func FromEntities(entities []corpus.Entity) (*Index, error) {
	idx := &Index{}
	for _, e := range entities {
		if len(e.Embedding) == 0 {
			continue
		}
		if err := idx.add(e.ID, e.Embedding); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (x *Index) add(id string, vec []float32) error {
	if x.dim == 0 {
		x.dim = len(vec)
	}
	if len(vec) != x.dim {
		return fmt.Errorf("%w: %s has %d, index has %d", vectorstore.ErrDimensionMismatch, id, len(vec), x.dim)
	}
	x.entries = append(x.entries, entry{id: id, vec: vec, norm: norm(vec)})
	return nil
}

// Len is the number of indexed vectors.
func (x *Index) Len() int { return len(x.entries) }

func norm(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

// Nearest ranks every entry by cosine similarity. Ties keep index order.
func (x *Index) Nearest(ctx context.Context, vec []float32, k int) ([]vectorstore.Match, error) {
	if k <= 0 || len(x.entries) == 0 {
		return nil, nil
	}
	if len(vec) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vectorstore.ErrDimensionMismatch, len(vec), x.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qn := norm(vec)
	matches := make([]vectorstore.Match, len(x.entries))
	for i, e := range x.entries {
		var dot float64
		for j, f := range e.vec {
			dot += float64(f) * float64(vec[j])
		}
		sim := 0.0
		if qn > 0 && e.norm > 0 {
			sim = dot / (qn * e.norm)
		}
		matches[i] = vectorstore.Match{ID: e.id, Similarity: sim}
	}

	slices.SortStableFunc(matches, func(a, b vectorstore.Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}
