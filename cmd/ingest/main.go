// Command ingest scans a directory of course notes (.txt, .md) and JSON
// document dumps, runs new or changed files through the ingestion pipeline
// and writes the passages to the configured vector index.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/pkg/config"
)

func main() {
	var (
		configPath  = flag.String("config", "studduo.yaml", "config file (optional)")
		dataDir     = flag.String("dir", "data/documents", "directory with documents to ingest")
		interval    = flag.Duration("interval", 0, "rescan interval; 0 ingests once and exits")
		stateFile   = flag.String("state", "data/.ingest-state.json", "processed files state")
		metricsPort = flag.Int("metrics-port", 0, "serve /metrics on this port; 0 disables")
		chunkSize   = flag.Int("chunk-size", ingest.DefaultChunkSize, "max characters per chunk")
		overlap     = flag.Int("chunk-overlap", ingest.DefaultOverlap, "characters shared by neighbouring chunks")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config failed", "err", err)
		os.Exit(1)
	}

	eng, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *metricsPort > 0 {
		eng.Metrics.ServeAsync(*metricsPort, log)
	}

	deps := eng.IngestDeps()
	deps.Chunker = ingest.NewChunker(*chunkSize, *overlap)
	sc := &scanner{
		dir:      *dataDir,
		state:    loadState(*stateFile),
		pipeline: ingest.NewPipeline(deps),
		log:      log,
	}

	os.MkdirAll(*dataDir, 0o755)
	log.Info("ingesting documents", "dir", *dataDir, "interval", *interval, "index", cfg.Index.Backend)

	run := func() {
		files, docs, errs := sc.scan(ctx)
		if files > 0 {
			if err := saveState(*stateFile, sc.state); err != nil {
				log.Warn("save state failed", "err", err)
			}
		}
		log.Info("scan done", "files", files, "documents", docs, "errors", errs)
	}

	run()
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			run()
		}
	}
}
