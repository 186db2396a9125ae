package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxQueryRunes bounds the length of a retrieval query.
	MaxQueryRunes = 4000
	// MaxTopK bounds the number of passages a caller may request.
	MaxTopK = 100
)

// ValidateQuery checks a free-text retrieval query.
func ValidateQuery(query string) error {
	text := strings.TrimSpace(query)
	if text == "" {
		return InvalidArgument("query", query)
	}
	if utf8.RuneCountInString(text) > MaxQueryRunes {
		return InvalidArgument("query", truncate(text, 40))
	}
	return nil
}

// ValidateTopK checks the requested result count.
func ValidateTopK(k int) error {
	if k < 1 || k > MaxTopK {
		return InvalidArgument("k", strconv.Itoa(k))
	}
	return nil
}

// ValidateCharBudget checks a context character budget.
func ValidateCharBudget(budget int) error {
	if budget < 0 {
		return InvalidArgument("char_budget", strconv.Itoa(budget))
	}
	return nil
}

// ValidateTurn checks a conversation turn before it is stored.
func ValidateTurn(t ConversationTurn) error {
	if !ValidRoles[t.Role] {
		return InvalidArgument("role", string(t.Role))
	}
	if strings.TrimSpace(t.Content) == "" {
		return InvalidArgument("content", t.Content)
	}
	return nil
}

// ValidateDocument checks a Document before ingestion.
func ValidateDocument(doc Document) error {
	if strings.TrimSpace(doc.Source) == "" {
		return InvalidArgument("source", doc.Source)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return InvalidArgument("text", truncate(doc.Text, 40))
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
