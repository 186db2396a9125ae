// Package embedcache provides the bounded query embedding cache that sits in
// front of the embedding provider. Queries that differ only in surrounding
// whitespace or letter case share one entry; concurrent misses for the same
// query collapse into a single provider call.
package embedcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/pkg/metrics"
)

// Embedder produces an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Policy selects which entry is evicted when the cache is full.
type Policy int

const (
	// PolicyFIFO evicts the oldest inserted entry. Reads do not affect order.
	PolicyFIFO Policy = iota
	// PolicyLRU evicts the least recently read or inserted entry.
	PolicyLRU
)

func (p Policy) String() string {
	if p == PolicyLRU {
		return "lru"
	}
	return "fifo"
}

// ParsePolicy maps "fifo" or "lru" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return PolicyFIFO, nil
	case "lru":
		return PolicyLRU, nil
	}
	return PolicyFIFO, domain.InvalidArgument("cache_policy", s)
}

// Options configures the cache.
type Options struct {
	Capacity     int
	Policy       Policy
	EmbedTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:     1000,
		Policy:       PolicyFIFO,
		EmbedTimeout: 15 * time.Second,
	}
}

var errEmptyEmbedding = errors.New("provider returned an empty embedding")

type entry struct {
	key string
	emb domain.Embedding
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Policy    string `json:"policy"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Cache maps normalized queries to embeddings. It is safe for concurrent use.
type Cache struct {
	provider Embedder
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
	group    singleflight.Group

	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List // front is the next eviction candidate
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a Cache backed by provider.
func New(provider Embedder, opts Options, m *metrics.Metrics, logger *slog.Logger) *Cache {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = def.EmbedTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		provider: provider,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		items:    make(map[string]*list.Element, opts.Capacity),
		order:    list.New(),
	}
}

// Normalize returns the cache key for a query: surrounding whitespace
// trimmed and Unicode case folded.
func Normalize(query string) string {
	return cases.Fold().String(strings.TrimSpace(query))
}

// GetOrCompute returns the embedding for query, calling the provider on a
// miss. The returned slice is a copy owned by the caller.
//
// If ctx is cancelled while the provider call is in flight, GetOrCompute
// returns ctx.Err() but the call keeps running and its result is still cached.
func (c *Cache) GetOrCompute(ctx context.Context, query string) (domain.Embedding, error) {
	key := Normalize(query)
	if key == "" {
		return nil, domain.InvalidArgument("query", query)
	}

	if emb, ok := c.get(key); ok {
		c.metrics.CacheHit()
		return emb.Clone(), nil
	}
	c.metrics.CacheMiss()

	ch := c.group.DoChan(key, func() (any, error) {
		return c.compute(ctx, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(domain.Embedding).Clone(), nil
	}
}

func (c *Cache) compute(ctx context.Context, key string) (domain.Embedding, error) {
	// A previous flight for this key may have finished after our lookup.
	if emb, ok := c.peek(key); ok {
		return emb, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.EmbedTimeout)
	defer cancel()

	start := time.Now()
	vec, err := c.provider.Embed(callCtx, key)
	if err == nil && len(vec) == 0 {
		err = errEmptyEmbedding
	}
	c.metrics.EmbedCall(start, err)
	if err != nil {
		c.logger.Warn("embedcache: provider call failed", "query_len", len(key), "err", err)
		return nil, fmt.Errorf("embedcache: embed query: %w: %w", domain.ErrEmbeddingUnavailable, err)
	}

	emb := domain.Embedding(vec).Clone()
	c.insert(key, emb)
	return emb, nil
}

// get looks up key and counts the hit or miss.
func (c *Cache) get(key string) (domain.Embedding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	if c.opts.Policy == PolicyLRU {
		c.order.MoveToBack(el)
	}
	return el.Value.(*entry).emb, true
}

// peek looks up key without touching counters or recency.
func (c *Cache) peek(key string) (domain.Embedding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry).emb, true
	}
	return nil, false
}

func (c *Cache) insert(key string, emb domain.Embedding) {
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		c.mu.Unlock()
		return
	}
	c.items[key] = c.order.PushBack(&entry{key: key, emb: emb})
	evicted := 0
	for c.order.Len() > c.opts.Capacity {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.items, front.Value.(*entry).key)
		evicted++
	}
	c.evictions += uint64(evicted)
	size := c.order.Len()
	c.mu.Unlock()

	c.metrics.CacheEvicted(evicted)
	c.metrics.CacheSize(size)
}

// Contains reports whether query is cached. It does not affect eviction order.
func (c *Cache) Contains(query string) bool {
	_, ok := c.peek(Normalize(query))
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum number of entries.
func (c *Cache) Capacity() int { return c.opts.Capacity }

// Keys returns the cached keys, next eviction candidate first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.order.Len(),
		Capacity:  c.opts.Capacity,
		Policy:    c.opts.Policy.String(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Reset drops every entry. Counters are kept.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element, c.opts.Capacity)
	c.order.Init()
	c.mu.Unlock()
	c.metrics.CacheSize(0)
}
