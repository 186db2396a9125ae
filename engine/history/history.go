// Package history reads and records conversation turns. The retrieval
// pipeline only reads from it; the API and worker append turns so that
// follow-up questions see earlier exchanges.
package history

import (
	"context"

	"github.com/studduoai/studduo/engine/domain"
)

// Store returns up to limit turns of a conversation, most recent first.
type Store interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error)
}

// Recorder appends a turn to a conversation.
type Recorder interface {
	Append(ctx context.Context, conversationID string, turn domain.ConversationTurn) error
}

// ReadWriter is implemented by every backend.
type ReadWriter interface {
	Store
	Recorder
	Close() error
}

// Nop is a store with no history. It backs the "none" configuration.
type Nop struct{}

func (Nop) Recent(context.Context, string, int) ([]domain.ConversationTurn, error) {
	return nil, nil
}

func (Nop) Append(context.Context, string, domain.ConversationTurn) error { return nil }

func (Nop) Close() error { return nil }

func validateAppend(conversationID string, turn domain.ConversationTurn) error {
	if conversationID == "" {
		return domain.InvalidArgument("conversation_id", conversationID)
	}
	return domain.ValidateTurn(turn)
}
