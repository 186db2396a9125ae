// Package semantic owns the vector index: similarity search over stored
// passages for the retrieval path, and the write side used by ingestion.
// Qdrant, pgvector and an in-process index implement the same interfaces.
package semantic

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/studduoai/studduo/engine/domain"
)

// MaxSearchK bounds k for a single Search. It leaves room for the
// coordinator to over-fetch twice the largest caller request.
const MaxSearchK = 2 * domain.MaxTopK

// Index is the read side used by the retrieval coordinator.
//
// Search returns at most k results ordered by score descending, ties broken
// by ascending passage ID, with scores in [0,1]. An empty index yields an
// empty slice and no error.
type Index interface {
	Search(ctx context.Context, embedding domain.Embedding, k int) ([]domain.RetrievalResult, error)
}

// Writer is the write side used by ingestion.
type Writer interface {
	Upsert(ctx context.Context, passages []domain.IndexedPassage) error
	DeleteBySource(ctx context.Context, source string) error
}

// Admin exposes collection maintenance for operators.
type Admin interface {
	Count(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// Store is implemented by every backend.
type Store interface {
	Index
	Writer
	Admin
	Close() error
}

// Rank sorts results into the canonical order, clamps scores to [0,1] and
// truncates to k. It sorts in place and returns the truncated slice.
func Rank(results []domain.RetrievalResult, k int) []domain.RetrievalResult {
	for i := range results {
		results[i].Score = ClampScore(results[i].Score)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Passage.ID < results[j].Passage.ID
	})
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// ClampScore maps a raw similarity onto [0,1]. NaN becomes 0.
func ClampScore(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func validateSearch(embedding domain.Embedding, k int) error {
	if k < 1 || k > MaxSearchK {
		return domain.InvalidArgument("k", strconv.Itoa(k))
	}
	if len(embedding) == 0 {
		return domain.InvalidArgument("embedding", "empty")
	}
	return nil
}
