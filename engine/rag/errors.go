package rag

import (
	"context"
	"errors"

	"github.com/studduoai/studduo/engine/domain"
)

// Error codes reported to transport clients.
const (
	CodeInvalidArgument      = "invalid_argument"
	CodeEmbeddingUnavailable = "embedding_unavailable"
	CodeRetrievalUnavailable = "retrieval_unavailable"
	CodeCanceled             = "canceled"
	CodeInternal             = "internal"
)

// ErrorCode classifies err for HTTP and NATS responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		return CodeEmbeddingUnavailable
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		return CodeRetrievalUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
