// Package ingest provides the ingestion pipeline that turns course documents
// into indexed passages through validation, chunking, embedding, and storage
// stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/engine/semantic"
	"github.com/studduoai/studduo/pkg/fn"
	"github.com/studduoai/studduo/pkg/metrics"
	"github.com/studduoai/studduo/pkg/natsutil"
)

const (
	// MaxRetries before a message goes to the dead letter queue.
	MaxRetries = 3
	// EmbedBatchSize is the max chunks per embedding request.
	EmbedBatchSize = 64

	retryHeader = "X-Retry-Count"
)

// BatchEmbedder embeds several texts in one call, preserving order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder BatchEmbedder
	Index    semantic.Writer
	Chunker  Chunker
	Retry    fn.RetryOpts
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// --- Pipeline Stages ---

// Validate checks a Document via domain validation.
var Validate fn.Stage[domain.Document, domain.Document] = func(_ context.Context, doc domain.Document) fn.Result[domain.Document] {
	if err := domain.ValidateDocument(doc); err != nil {
		return fn.Err[domain.Document](err)
	}
	return fn.Ok(doc)
}

// NewChunk creates a stage that splits a Document into chunks.
func NewChunk(c Chunker) fn.Stage[domain.Document, ChunkedDoc] {
	if c.Size <= 0 {
		c = NewChunker(DefaultChunkSize, DefaultOverlap)
	}
	return func(_ context.Context, doc domain.Document) fn.Result[ChunkedDoc] {
		chunks := c.Split(doc.Text)
		if len(chunks) == 0 {
			return fn.Err[ChunkedDoc](domain.InvalidArgument("text", doc.Source))
		}
		return fn.Ok(ChunkedDoc{Document: doc, Chunks: chunks})
	}
}

// NewEmbed creates a stage that embeds chunks in batches, retrying each
// batch with opts.
func NewEmbed(e BatchEmbedder, opts fn.RetryOpts) fn.Stage[ChunkedDoc, EmbeddedDoc] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Retryable == nil {
		opts.Retryable = transient
	}
	return func(ctx context.Context, doc ChunkedDoc) fn.Result[EmbeddedDoc] {
		embeddings := make([][]float32, 0, len(doc.Chunks))

		for _, batch := range fn.Chunk(doc.Chunks, EmbedBatchSize) {
			texts := fn.Map(batch, func(c Chunk) string { return c.Text })

			r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[][]float32] {
				return fn.FromPair(e.EmbedBatch(ctx, texts))
			})
			vecs, err := r.Unwrap()
			if err != nil {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: %w", err))
			}
			if len(vecs) != len(texts) {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vecs), len(texts)))
			}
			embeddings = append(embeddings, vecs...)
		}

		return fn.Ok(EmbeddedDoc{ChunkedDoc: doc, Embeddings: embeddings})
	}
}

// transient reports whether an embedding failure may clear on retry.
func transient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// NewStore creates a stage that replaces the document's passages in the index.
func NewStore(w semantic.Writer) fn.Stage[EmbeddedDoc, Report] {
	return func(ctx context.Context, doc EmbeddedDoc) fn.Result[Report] {
		if err := w.DeleteBySource(ctx, doc.Source); err != nil {
			return fn.Err[Report](fmt.Errorf("delete previous passages: %w", err))
		}

		passages := make([]domain.IndexedPassage, len(doc.Chunks))
		for i, chunk := range doc.Chunks {
			passages[i] = domain.IndexedPassage{
				ID:          semantic.PassageID(doc.Source, chunk.Index),
				Embedding:   doc.Embeddings[i],
				Text:        chunk.Text,
				SourceLabel: doc.Source,
				ChunkIndex:  chunk.Index,
			}
		}
		if err := w.Upsert(ctx, passages); err != nil {
			return fn.Err[Report](fmt.Errorf("vector upsert: %w", err))
		}

		return fn.Ok(Report{Source: doc.Source, Chunks: len(passages)})
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[domain.Document, Report] {
	log := deps.logger()

	// Validate → Chunk → Embed → Store, with logging taps between stages.
	validated := fn.Then(LoggedTap[domain.Document]("validate", log), Validate)
	chunked := fn.Then(validated, fn.Then(LoggedTap[domain.Document]("chunk", log), NewChunk(deps.Chunker)))
	embedded := fn.Then(chunked, fn.Then(LoggedTap[ChunkedDoc]("embed", log), NewEmbed(deps.Embedder, deps.Retry)))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedDoc]("store", log), NewStore(deps.Index)))

	return func(ctx context.Context, doc domain.Document) fn.Result[Report] {
		r := fn.TracedStage("ingest.document", stored)(ctx, doc)
		rep, err := r.Unwrap()
		deps.Metrics.IngestChunks(rep.Chunks, err)
		return r
	}
}

// Subjects names the NATS subjects used by the consumer.
type Subjects struct {
	Ingest string
	DLQ    string
}

// SubjectsFor derives the subjects from a prefix, e.g. "studduo.ingest".
func SubjectsFor(prefix string) Subjects {
	return Subjects{Ingest: prefix + ".ingest", DLQ: prefix + ".ingest.dlq"}
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Document domain.Document `json:"document"`
	Error    string          `json:"error"`
	Retries  int             `json:"retries"`
}

// StartConsumer subscribes to subjects.Ingest and runs each document through
// the ingestion pipeline. Failed documents are republished with an
// incremented retry header and go to the DLQ after MaxRetries. Invalid
// documents go straight to the DLQ.
func StartConsumer(nc *nats.Conn, subjects Subjects, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.logger()

	return nc.QueueSubscribe(subjects.Ingest, "ingest", func(msg *nats.Msg) {
		var doc domain.Document
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			log.Error("ingest: unmarshal failed", "err", err)
			return
		}

		ctx := natsutil.Extract(msg)

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				retries, _ = strconv.Atoi(v)
			}
		}

		result := pipeline(ctx, doc)
		if result.IsOk() {
			rep, _ := result.Unwrap()
			log.Info("ingest: success", "source", rep.Source, "chunks", rep.Chunks)
			return
		}

		_, pipeErr := result.Unwrap()
		retries++
		log.Error("ingest: pipeline failed", "err", pipeErr, "source", doc.Source, "retry", retries)

		if retries >= MaxRetries || errors.Is(pipeErr, domain.ErrInvalidArgument) {
			dlq := dlqMessage{Document: doc, Error: pipeErr.Error(), Retries: retries}
			if err := natsutil.Publish(ctx, nc, subjects.DLQ, dlq); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			return
		}

		retryMsg := nats.NewMsg(subjects.Ingest)
		retryMsg.Data = msg.Data
		retryMsg.Header.Set(retryHeader, strconv.Itoa(retries))
		natsutil.Inject(ctx, retryMsg)
		if err := nc.PublishMsg(retryMsg); err != nil {
			log.Error("ingest: retry publish failed", "err", err)
		}
	})
}
