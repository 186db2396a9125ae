package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/pkg/fn"
)

type scanner struct {
	dir      string
	state    map[string]string
	pipeline fn.Stage[domain.Document, ingest.Report]
	log      *slog.Logger
}

// scan ingests every file whose fingerprint changed since the last
// successful run. Files with errors are retried on the next scan.
func (s *scanner) scan(ctx context.Context) (files, docs, errs int) {
	var paths []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !supported(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		s.log.Error("scan failed", "dir", s.dir, "err", err)
		return 0, 0, 1
	}
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(path)
		if err != nil {
			errs++
			continue
		}
		key := fingerprint(info)
		if s.state[path] == key {
			continue
		}

		documents, err := readDocuments(path)
		if err != nil {
			s.log.Error("read failed", "file", path, "err", err)
			errs++
			continue
		}

		fileErrs := 0
		for _, d := range documents {
			rep, err := s.pipeline(ctx, d).Unwrap()
			if err != nil {
				s.log.Error("pipeline error", "file", path, "source", d.Source, "err", err)
				fileErrs++
				continue
			}
			s.log.Info("ingested", "source", rep.Source, "chunks", rep.Chunks)
			docs++
		}
		files++
		errs += fileErrs
		if fileErrs == 0 {
			s.state[path] = key
		} else {
			s.log.Warn("file had errors, will retry on next scan", "file", path, "errors", fileErrs)
		}
	}
	return files, docs, errs
}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ingest.SupportedExt[ext] || ext == ".json" || ext == ".jsonl"
}

func fingerprint(info fs.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

// readDocuments loads a text file as one document, or a JSON file as a
// stream of documents.
func readDocuments(path string) ([]domain.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".jsonl" {
		d, err := ingest.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []domain.Document{d}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []domain.Document
	dec := json.NewDecoder(f)
	for {
		var d domain.Document
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func loadState(path string) map[string]string {
	m := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, state map[string]string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
