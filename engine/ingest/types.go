package ingest

import "github.com/studduoai/studduo/engine/domain"

// ChunkedDoc is a document split into embeddable chunks.
type ChunkedDoc struct {
	domain.Document
	Chunks []Chunk
}

// Chunk is a text segment ready for embedding.
type Chunk struct {
	Text  string
	Index int
}

// EmbeddedDoc is a chunked document with one embedding per chunk.
type EmbeddedDoc struct {
	ChunkedDoc
	Embeddings [][]float32
}

// Report summarises one ingested document.
type Report struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}
