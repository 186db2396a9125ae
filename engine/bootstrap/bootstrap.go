// Package bootstrap wires the retrieval engine from configuration. The API,
// worker and CLI binaries all build their stack through New.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/studduoai/studduo/engine/assemble"
	"github.com/studduoai/studduo/engine/embedcache"
	"github.com/studduoai/studduo/engine/history"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/engine/rag"
	"github.com/studduoai/studduo/engine/semantic"
	"github.com/studduoai/studduo/pkg/config"
	"github.com/studduoai/studduo/pkg/fn"
	"github.com/studduoai/studduo/pkg/metrics"
	"github.com/studduoai/studduo/pkg/ollama"
	"github.com/studduoai/studduo/pkg/openaiembed"
	"github.com/studduoai/studduo/pkg/resilience"
)

// Provider embeds single queries and ingestion batches.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine holds every long-lived component of the retrieval stack.
type Engine struct {
	Config      config.Config
	Metrics     *metrics.Metrics
	Provider    Provider
	Cache       *embedcache.Cache
	Index       semantic.Store
	History     history.ReadWriter
	Breaker     *resilience.Breaker
	Coordinator *rag.Coordinator
	Pipeline    *rag.Pipeline
	Logger      *slog.Logger
}

// New builds the engine described by cfg. Callers must Close it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{Config: cfg, Metrics: metrics.New("studduo"), Logger: logger}

	provider, err := NewProvider(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	e.Provider = provider

	policy, err := embedcache.ParsePolicy(cfg.RAG.CachePolicy)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	e.Cache = embedcache.New(provider, embedcache.Options{
		Capacity:     cfg.RAG.CacheCapacity,
		Policy:       policy,
		EmbedTimeout: cfg.RAG.EmbedTimeout,
	}, e.Metrics, logger.With("component", "embedcache"))

	if e.Index, err = OpenIndex(ctx, cfg.Index, logger); err != nil {
		return nil, err
	}
	if e.History, err = OpenHistory(ctx, cfg.History); err != nil {
		e.Index.Close()
		return nil, err
	}

	e.Breaker = resilience.NewBreaker(resilience.BreakerOpts{
		Name:          "vector-index",
		FailThreshold: cfg.Breaker.FailThreshold,
		Timeout:       cfg.Breaker.OpenTimeout,
		IsFailure:     rag.IndexFailure,
		OnStateChange: func(name string, _, to resilience.State) {
			e.Metrics.BreakerState(name, int(to))
		},
		Logger: logger,
	})
	e.Coordinator = rag.NewCoordinator(e.Cache, e.Index, e.Breaker, rag.Options{
		DedupWindow:   cfg.RAG.DedupWindow,
		SearchTimeout: cfg.RAG.SearchTimeout,
	}, e.Metrics, logger.With("component", "rag"))

	assembler := assemble.New(assemble.Options{
		MaxHistoryTurns: cfg.RAG.MaxHistoryTurns,
		MaxTurnRunes:    cfg.RAG.MaxTurnRunes,
	})
	e.Pipeline = rag.NewPipeline(e.Coordinator, e.History, assembler, rag.PipelineOptions{
		TopK:         cfg.RAG.TopK,
		CharBudget:   cfg.RAG.CharBudget,
		HistoryLimit: cfg.RAG.MaxHistoryTurns,
		PromptStyle:  cfg.RAG.PromptStyle,
	}, e.Metrics, logger.With("component", "pipeline"))

	logger.Info("engine ready",
		"embedder", cfg.Embedder.Provider,
		"model", cfg.Embedder.Model,
		"index", cfg.Index.Backend,
		"history", cfg.History.Backend,
		"cache_capacity", e.Cache.Capacity(),
		"cache_policy", policy.String(),
	)
	return e, nil
}

// NewProvider builds the configured embedding provider.
func NewProvider(cfg config.Embedder) (Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		var opts []ollama.Option
		if cfg.RatePerSec > 0 {
			opts = append(opts, ollama.WithLimiter(resilience.NewLimiter(resilience.LimiterOpts{
				Rate:  cfg.RatePerSec,
				Burst: cfg.Burst,
			})))
		}
		return ollama.NewEmbedClient(cfg.OllamaURL, cfg.Model, opts...), nil
	case "openai":
		c, err := openaiembed.New(openaiembed.Config{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown embedder %q", cfg.Provider)
	}
}

// OpenIndex opens the configured vector index and ensures its schema.
func OpenIndex(ctx context.Context, cfg config.Index, logger *slog.Logger) (semantic.Store, error) {
	switch cfg.Backend {
	case "memory":
		return semantic.NewMemory(), nil
	case "pgvector":
		p, err := semantic.OpenPGVector(ctx, cfg.PostgresDSN, cfg.Collection, cfg.Dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		if err := p.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return p, nil
	case "", "qdrant":
		q, err := semantic.NewQdrant(cfg.QdrantAddr, cfg.Collection, cfg.Dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		if err := q.EnsureCollection(ctx); err != nil {
			q.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown index backend %q", cfg.Backend)
	}
}

// OpenHistory opens the configured conversation history store.
func OpenHistory(ctx context.Context, cfg config.History) (history.ReadWriter, error) {
	switch cfg.Backend {
	case "none":
		return history.Nop{}, nil
	case "", "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("bootstrap: history dir: %w", err)
			}
		}
		s, err := history.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return s, nil
	case "neo4j":
		s, err := history.OpenNeo4j(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass, cfg.Neo4jDatabase)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown history backend %q", cfg.Backend)
	}
}

// IngestDeps returns ingestion dependencies sharing the engine's provider,
// index and metrics.
func (e *Engine) IngestDeps() ingest.Deps {
	return ingest.Deps{
		Embedder: e.Provider,
		Index:    e.Index,
		Chunker:  ingest.NewChunker(ingest.DefaultChunkSize, ingest.DefaultOverlap),
		Retry:    fn.DefaultRetry,
		Metrics:  e.Metrics,
		Logger:   e.Logger.With("component", "ingest"),
	}
}

// Stats is the operator view served by /api/stats and `ragctl stats`.
type Stats struct {
	Cache        embedcache.Stats `json:"cache"`
	Passages     int64            `json:"passages"`
	IndexBackend string           `json:"index_backend"`
	Collection   string           `json:"collection"`
	Breaker      string           `json:"breaker"`
	Model        string           `json:"embedding_model"`
}

// Stats reports cache and index state. A failing index count is returned
// alongside the partial stats.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Cache:        e.Cache.Stats(),
		IndexBackend: e.Config.Index.Backend,
		Collection:   e.Config.Index.Collection,
		Breaker:      e.Breaker.State().String(),
		Model:        e.Config.Embedder.Model,
	}
	n, err := e.Index.Count(ctx)
	if err != nil {
		return s, fmt.Errorf("bootstrap: count passages: %w", err)
	}
	s.Passages = n
	return s, nil
}

// Reset drops every indexed passage and clears the query cache.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.Index.Reset(ctx); err != nil {
		return fmt.Errorf("bootstrap: reset index: %w", err)
	}
	e.Cache.Reset()
	return nil
}

// Close releases the index and history connections.
func (e *Engine) Close() error {
	return errors.Join(e.Index.Close(), e.History.Close())
}
