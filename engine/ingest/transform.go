package ingest

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultOverlap is the number of characters repeated between neighbouring chunks.
	DefaultOverlap = 200
)

// separators are tried in order; text is split on the first one it contains.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits text into overlapping chunks on paragraph, line, sentence
// and word boundaries, falling back to raw characters for unbroken runs.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker returns a Chunker, defaulting non-positive values.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split returns the chunks of text in order. Each chunk has at most Size runes.
func (c Chunker) Split(text string) []Chunk {
	pieces := c.pieces(text, separators)
	texts := c.merge(pieces)
	chunks := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		chunks = append(chunks, Chunk{Text: t, Index: len(chunks)})
	}
	return chunks
}

// pieces breaks text into segments of at most Size runes, keeping the
// separator attached to the end of each segment.
func (c Chunker) pieces(text string, seps []string) []string {
	if text == "" {
		return nil
	}
	sep, rest := seps[len(seps)-1], []string(nil)
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}

	var out []string
	for _, p := range strings.SplitAfter(text, sep) {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) <= c.Size || len(rest) == 0 {
			out = append(out, p)
			continue
		}
		out = append(out, c.pieces(p, rest)...)
	}
	return out
}

// merge packs pieces into chunks of at most Size runes, carrying up to
// Overlap runes of trailing pieces into the next chunk.
func (c Chunker) merge(pieces []string) []string {
	var (
		out    []string
		window []string
		total  int
	)
	emit := func() {
		if s := strings.TrimSpace(strings.Join(window, "")); s != "" {
			out = append(out, s)
		}
	}
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n > c.Size && len(window) > 0 {
			emit()
			for len(window) > 0 && (total > c.Overlap || total+n > c.Size) {
				total -= utf8.RuneCountInString(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		total += n
	}
	if len(window) > 0 {
		emit()
	}
	return out
}
