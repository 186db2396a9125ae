// Package domain defines the core retrieval types, errors, and validation
// shared by the studduo engine packages.
package domain

import (
	"time"
)

// Embedding is a dense vector produced by an embedding provider.
// Treat it as immutable once produced.
type Embedding []float32

// Clone returns an independent copy of e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// IndexedPassage is a chunk of a source document stored in the vector index.
type IndexedPassage struct {
	ID          string    `json:"id"`
	Embedding   Embedding `json:"-"`
	Text        string    `json:"text"`
	SourceLabel string    `json:"source"`
	ChunkIndex  int       `json:"chunk_index"`
}

// RetrievalResult pairs a passage with its similarity score in [0,1].
type RetrievalResult struct {
	Passage IndexedPassage `json:"passage"`
	Score   float64        `json:"score"`
}

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRoles is the set of recognised turn roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
}

// ConversationTurn is one message of a conversation.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AssembledContext is the bounded context handed to the generation backend.
// HistoryWindow is ordered most recent first; Passages by descending score.
type AssembledContext struct {
	HistoryWindow   []ConversationTurn `json:"history_window"`
	Passages        []RetrievalResult  `json:"passages"`
	TotalCharBudget int                `json:"total_char_budget"`
}

// Empty reports whether the context carries neither history nor passages.
func (c AssembledContext) Empty() bool {
	return len(c.HistoryWindow) == 0 && len(c.Passages) == 0
}

// Document is a source text submitted for ingestion.
type Document struct {
	Source string            `json:"source"`
	Title  string            `json:"title,omitempty"`
	Text   string            `json:"text"`
	Meta   map[string]string `json:"meta,omitempty"`
}
