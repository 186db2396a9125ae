// Command worker serves the retrieval engine over NATS: context builds and
// turn appends as request-reply, document ingestion as a queue consumer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/engine/history"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/engine/rag"
	"github.com/studduoai/studduo/pkg/config"
	"github.com/studduoai/studduo/pkg/natsutil"
)

func main() {
	configPath := flag.String("config", "studduo.yaml", "config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer eng.Close()

	if cfg.Server.MetricsPort != "" {
		port, err := strconv.Atoi(cfg.Server.MetricsPort)
		if err != nil {
			return fmt.Errorf("server.metrics_port: %w", err)
		}
		eng.Metrics.ServeAsync(port, logger)
	}

	nc, err := natsutil.Connect(cfg.NATS.URL, "studduo-worker", logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	w := &worker{
		builder: eng.Pipeline,
		turns:   eng.History,
		ingest:  eng.IngestDeps(),
		prefix:  cfg.NATS.SubjectPrefix,
		logger:  logger,
	}
	subs, err := w.start(nc)
	if err != nil {
		return err
	}
	logger.Info("worker started", "nats", cfg.NATS.URL, "prefix", w.prefix, "subscriptions", len(subs))

	<-ctx.Done()
	logger.Info("shutting down")
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

type contextBuilder interface {
	Build(ctx context.Context, req rag.Request) (*rag.Result, error)
}

// AppendTurn is the payload of the turn append subject.
type AppendTurn struct {
	ConversationID string                  `json:"conversation_id"`
	Turn           domain.ConversationTurn `json:"turn"`
}

type worker struct {
	builder contextBuilder
	turns   history.Recorder
	ingest  ingest.Deps
	prefix  string
	logger  *slog.Logger
}

func (w *worker) subject(name string) string { return w.prefix + "." + name }

func (w *worker) start(nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription

	sub, err := natsutil.Respond(nc, w.subject("context.build"), "context", w.logger,
		w.buildContext, rag.ErrorCode)
	if err != nil {
		return nil, fmt.Errorf("subscribe context: %w", err)
	}
	subs = append(subs, sub)

	sub, err = natsutil.Respond(nc, w.subject("history.append"), "history", w.logger,
		w.appendTurn, rag.ErrorCode)
	if err != nil {
		return nil, fmt.Errorf("subscribe history: %w", err)
	}
	subs = append(subs, sub)

	sub, err = ingest.StartConsumer(nc, ingest.SubjectsFor(w.prefix), w.ingest)
	if err != nil {
		return nil, fmt.Errorf("subscribe ingest: %w", err)
	}
	subs = append(subs, sub)

	return subs, nil
}

func (w *worker) buildContext(ctx context.Context, req rag.ContextRequest) (*rag.Result, error) {
	return w.builder.Build(ctx, req.Request())
}

func (w *worker) appendTurn(ctx context.Context, req AppendTurn) (struct{}, error) {
	if req.ConversationID == "" {
		return struct{}{}, domain.InvalidArgument("conversation_id", "")
	}
	if err := domain.ValidateTurn(req.Turn); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, w.turns.Append(ctx, req.ConversationID, req.Turn)
}
