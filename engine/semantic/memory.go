package semantic

import (
	"context"
	"sync"

	"github.com/studduoai/studduo/engine/domain"
)

// MemoryIndex is an in-process index using brute-force cosine similarity.
// It suits tests, demos and small corpora.
type MemoryIndex struct {
	mu       sync.RWMutex
	passages map[string]domain.IndexedPassage
}

var _ Store = (*MemoryIndex)(nil)

// NewMemory creates an empty MemoryIndex.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{passages: make(map[string]domain.IndexedPassage)}
}

// Search scores every stored passage against embedding.
func (m *MemoryIndex) Search(_ context.Context, embedding domain.Embedding, k int) ([]domain.RetrievalResult, error) {
	if err := validateSearch(embedding, k); err != nil {
		return nil, err
	}
	m.mu.RLock()
	results := make([]domain.RetrievalResult, 0, len(m.passages))
	for _, p := range m.passages {
		stored := p
		stored.Embedding = nil
		results = append(results, domain.RetrievalResult{
			Passage: stored,
			Score:   Cosine(embedding, p.Embedding),
		})
	}
	m.mu.RUnlock()
	return Rank(results, k), nil
}

// Upsert stores copies of passages keyed by ID.
func (m *MemoryIndex) Upsert(_ context.Context, passages []domain.IndexedPassage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range passages {
		p = passageOrDefault(p)
		p.Embedding = p.Embedding.Clone()
		m.passages[p.ID] = p
	}
	return nil
}

// DeleteBySource removes all passages of a source.
func (m *MemoryIndex) DeleteBySource(_ context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.passages {
		if p.SourceLabel == source {
			delete(m.passages, id)
		}
	}
	return nil
}

// Count returns the number of stored passages.
func (m *MemoryIndex) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.passages)), nil
}

// Reset removes every passage.
func (m *MemoryIndex) Reset(context.Context) error {
	m.mu.Lock()
	m.passages = make(map[string]domain.IndexedPassage)
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }
