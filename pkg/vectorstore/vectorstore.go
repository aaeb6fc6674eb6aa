// Package vectorstore defines the nearest neighbour lookup used to map a
// query embedding to corpus entities.
package vectorstore

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a query vector does not match the
// dimension of the indexed vectors.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Match is one lookup result. Higher Similarity is closer.
type Match struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Store returns the k entries most similar to vec, closest first.
type Store interface {
	Nearest(ctx context.Context, vec []float32, k int) ([]Match, error)
}
