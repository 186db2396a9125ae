package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/studduoai/studduo/engine/domain"
)

// SupportedExt lists the file extensions LoadDir picks up.
var SupportedExt = map[string]bool{".txt": true, ".md": true, ".markdown": true}

// LoadFile reads one text file as a Document. The source label is the base
// file name, which is what citations show.
func LoadFile(path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	name := filepath.Base(path)
	return domain.Document{
		Source: name,
		Title:  strings.TrimSuffix(name, filepath.Ext(name)),
		Text:   string(data),
		Meta:   map[string]string{"path": path},
	}, nil
}

// LoadDir reads every supported file below dir, sorted by path.
func LoadDir(dir string) ([]domain.Document, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !SupportedExt[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]domain.Document, 0, len(paths))
	for _, p := range paths {
		doc, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
