// Package rag coordinates retrieval for a chat turn: the query embedding
// comes from the shared cache, passages from the vector index behind a
// circuit breaker, and the Pipeline turns both plus conversation history
// into a bounded context for the generation backend.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/pkg/metrics"
	"github.com/studduoai/studduo/pkg/resilience"
)

// QueryEmbedder returns the embedding of a query. *embedcache.Cache implements it.
type QueryEmbedder interface {
	GetOrCompute(ctx context.Context, query string) (domain.Embedding, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, embedding domain.Embedding, k int) ([]domain.RetrievalResult, error)
}

// Options configures the Coordinator.
type Options struct {
	// DedupWindow drops results whose chunk index lies within this distance
	// of a better-scored result from the same source. Zero drops only exact
	// duplicates.
	DedupWindow   int
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DedupWindow:   1,
		SearchTimeout: 5 * time.Second,
	}
}

// Coordinator turns a query into ranked, deduplicated passages.
type Coordinator struct {
	embedder QueryEmbedder
	index    Searcher
	breaker  *resilience.Breaker
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. A nil breaker gets the defaults.
func NewCoordinator(embedder QueryEmbedder, index Searcher, breaker *resilience.Breaker, opts Options, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		o := resilience.DefaultBreakerOpts
		o.Name = "vector-index"
		o.IsFailure = IndexFailure
		o.Logger = logger
		breaker = resilience.NewBreaker(o)
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	if opts.DedupWindow < 0 {
		opts.DedupWindow = 0
	}
	return &Coordinator{
		embedder: embedder,
		index:    index,
		breaker:  breaker,
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

// Retrieve returns at most k passages relevant to query, best first.
//
// Embedding failures surface as ErrEmbeddingUnavailable. Index failures,
// search timeouts and an open circuit surface as ErrRetrievalUnavailable.
func (c *Coordinator) Retrieve(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error) {
	if err := domain.ValidateTopK(k); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	start := time.Now()

	emb, err := c.embedder.GetOrCompute(ctx, query)
	if err != nil {
		c.metrics.RetrievalDone(start, "embed")
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	fetch := k
	if c.opts.DedupWindow > 0 {
		fetch = min(2*k, 2*domain.MaxTopK)
	}

	var results []domain.RetrievalResult
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
		defer cancel()
		r, err := c.index.Search(sctx, emb, fetch)
		if err != nil {
			return err
		}
		results = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.metrics.RetrievalDone(start, "search")
		if errors.Is(err, domain.ErrInvalidArgument) {
			return nil, fmt.Errorf("rag: search: %w", err)
		}
		c.logger.Warn("rag: search failed", "err", err, "breaker", c.breaker.State().String())
		if errors.Is(err, domain.ErrRetrievalUnavailable) {
			return nil, fmt.Errorf("rag: search: %w", err)
		}
		return nil, fmt.Errorf("rag: search: %w: %w", domain.ErrRetrievalUnavailable, err)
	}

	results = Dedup(results, c.opts.DedupWindow)
	if len(results) > k {
		results = results[:k]
	}
	c.metrics.RetrievalDone(start, "")
	c.logger.Debug("rag: retrieved", "query_len", len(query), "k", k, "results", len(results))
	return results, nil
}

// IndexFailure reports whether a search error counts against the index
// breaker. Rejected arguments and caller cancellation do not.
func IndexFailure(err error) bool {
	return !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, context.Canceled)
}

// Dedup removes near-duplicate passages. Walking results in order, a result
// is dropped when an already kept result has the same source label and a
// chunk index within window of it. The input order is preserved, so when
// results are ranked the better-scored neighbour survives.
func Dedup(results []domain.RetrievalResult, window int) []domain.RetrievalResult {
	if window < 0 {
		window = 0
	}
	kept := make([]domain.RetrievalResult, 0, len(results))
	bySource := make(map[string][]int)
	for _, r := range results {
		src := r.Passage.SourceLabel
		dup := false
		for _, chunk := range bySource[src] {
			if abs(chunk-r.Passage.ChunkIndex) <= window {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		bySource[src] = append(bySource[src], r.Passage.ChunkIndex)
		kept = append(kept, r)
	}
	return kept
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
