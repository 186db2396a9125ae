package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/studduoai/studduo/engine/assemble"
	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/pkg/fn"
	"github.com/studduoai/studduo/pkg/metrics"
)

// HistoryReader returns up to limit turns of a conversation, most recent first.
type HistoryReader interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error)
}

// Retriever is satisfied by *Coordinator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error)
}

// Request describes one context build.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
	K              int    `json:"k"`
	CharBudget     int    `json:"char_budget"`
	IncludeHistory bool   `json:"include_history"`
	PromptStyle    string `json:"prompt_style"`
}

// ContextRequest is the wire form of a Request used by the HTTP and NATS
// transports. A missing include_history defaults to true when a
// conversation is named.
type ContextRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query"`
	K              int    `json:"k,omitempty"`
	CharBudget     int    `json:"char_budget,omitempty"`
	IncludeHistory *bool  `json:"include_history,omitempty"`
	PromptStyle    string `json:"prompt_style,omitempty"`
}

// Request resolves defaults into a Request.
func (r ContextRequest) Request() Request {
	includeHistory := r.ConversationID != ""
	if r.IncludeHistory != nil {
		includeHistory = *r.IncludeHistory
	}
	return Request{
		ConversationID: r.ConversationID,
		Query:          r.Query,
		K:              r.K,
		CharBudget:     r.CharBudget,
		IncludeHistory: includeHistory,
		PromptStyle:    r.PromptStyle,
	}
}

// Result is what the generation backend receives.
type Result struct {
	Context  domain.AssembledContext `json:"context"`
	Prompt   string                  `json:"prompt"`
	Sources  []Source                `json:"sources"`
	Degraded bool                    `json:"degraded"`
}

// Source is a citation for one retrieved passage.
type Source struct {
	Source         string  `json:"source"`
	ChunkIndex     int     `json:"chunk_index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// PipelineOptions holds per-request defaults.
type PipelineOptions struct {
	TopK         int
	CharBudget   int
	HistoryLimit int
	MaxSources   int
	PromptStyle  string
}

// DefaultPipelineOptions returns sensible defaults.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		TopK:         5,
		CharBudget:   12000,
		HistoryLimit: 8,
		MaxSources:   3,
		PromptStyle:  string(assemble.StyleExplanation),
	}
}

// Pipeline builds the generation context for a chat turn.
type Pipeline struct {
	retriever Retriever
	history   HistoryReader
	assembler *assemble.Assembler
	opts      PipelineOptions
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. history may be nil.
func NewPipeline(retriever Retriever, history HistoryReader, assembler *assemble.Assembler, opts PipelineOptions, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if assembler == nil {
		assembler = assemble.New(assemble.DefaultOptions())
	}
	def := DefaultPipelineOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}
	if opts.MaxSources <= 0 {
		opts.MaxSources = def.MaxSources
	}
	return &Pipeline{
		retriever: retriever,
		history:   history,
		assembler: assembler,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

type retrieval struct {
	results  []domain.RetrievalResult
	degraded bool
}

// Build retrieves passages, loads history and assembles the context.
//
// An unavailable index degrades to a history-only context with Degraded set.
// Embedding failures and invalid arguments fail the request. History
// failures are logged and treated as an empty history.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Result, error) {
	if req.K == 0 {
		req.K = p.opts.TopK
	}
	if req.CharBudget == 0 {
		req.CharBudget = p.opts.CharBudget
	}
	if req.PromptStyle == "" {
		req.PromptStyle = p.opts.PromptStyle
	}
	if err := domain.ValidateCharBudget(req.CharBudget); err != nil {
		return nil, err
	}

	r := fn.TracedStage("rag.retrieve", p.retrieve)(ctx, req)
	ret, err := r.Unwrap()
	if err != nil {
		return nil, err
	}

	var turns []domain.ConversationTurn
	if req.IncludeHistory && req.ConversationID != "" {
		h := fn.TracedStage("rag.history", p.loadHistory)(ctx, req.ConversationID)
		if _, err := h.Unwrap(); err != nil {
			p.logger.Warn("rag: load history failed, continuing without", "conversation_id", req.ConversationID, "err", err)
		}
		turns = h.UnwrapOr(nil)
	}

	assembled, err := p.assembler.Assemble(turns, ret.results, req.CharBudget)
	if err != nil {
		return nil, fmt.Errorf("rag: assemble: %w", err)
	}
	p.metrics.ContextChars(assemble.RenderedLen(assembled))

	return &Result{
		Context:  assembled,
		Prompt:   assemble.BuildPrompt(assemble.ParseStyle(req.PromptStyle), req.Query, assembled),
		Sources:  Sources(assembled.Passages, p.opts.MaxSources),
		Degraded: ret.degraded,
	}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, req Request) fn.Result[retrieval] {
	results, err := p.retriever.Retrieve(ctx, req.Query, req.K)
	switch {
	case err == nil:
		return fn.Ok(retrieval{results: results})
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		p.logger.Warn("rag: retrieval unavailable, continuing with history only", "err", err)
		p.metrics.Degraded()
		return fn.Ok(retrieval{degraded: true})
	default:
		return fn.Err[retrieval](err)
	}
}

func (p *Pipeline) loadHistory(ctx context.Context, conversationID string) fn.Result[[]domain.ConversationTurn] {
	if p.history == nil || p.opts.HistoryLimit == 0 {
		return fn.Ok[[]domain.ConversationTurn](nil)
	}
	return fn.FromPair(p.history.Recent(ctx, conversationID, p.opts.HistoryLimit))
}

// Sources returns citations for the first n passages with scores rounded
// to two decimals.
func Sources(passages []domain.RetrievalResult, n int) []Source {
	if n > len(passages) {
		n = len(passages)
	}
	if n < 0 {
		n = 0
	}
	out := make([]Source, 0, n)
	for _, r := range passages[:n] {
		out = append(out, Source{
			Source:         r.Passage.SourceLabel,
			ChunkIndex:     r.Passage.ChunkIndex,
			RelevanceScore: math.Round(r.Score*100) / 100,
		})
	}
	return out
}
