package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/engine/rag"
	"github.com/studduoai/studduo/pkg/fn"
	"github.com/studduoai/studduo/pkg/mid"
)

const maxBodyBytes = 4 << 20

type contextBuilder interface {
	Build(ctx context.Context, req rag.Request) (*rag.Result, error)
}

type turnRecorder interface {
	Append(ctx context.Context, conversationID string, turn domain.ConversationTurn) error
}

type statsSource interface {
	Stats(ctx context.Context) (bootstrap.Stats, error)
}

type server struct {
	builder contextBuilder
	turns   turnRecorder
	stats   statsSource
	ingest  fn.Stage[domain.Document, ingest.Report]
	logger  *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/context", s.handleContext)
	mux.HandleFunc("POST /api/conversations/{id}/turns", s.handleAppendTurn)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/documents", s.handleIngest)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := rag.ErrorCode(err)
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch code {
	case rag.CodeInvalidArgument:
		status, msg = http.StatusBadRequest, err.Error()
	case rag.CodeEmbeddingUnavailable, rag.CodeRetrievalUnavailable:
		status, msg = http.StatusServiceUnavailable, "retrieval backend unavailable, try again shortly"
	case rag.CodeCanceled:
		status, msg = http.StatusGatewayTimeout, "request canceled"
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: mid.RequestIDFrom(r.Context())})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}

func (s *server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req rag.ContextRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.builder.Build(r.Context(), req.Request())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TurnRequest is the JSON body for POST /api/conversations/{id}/turns.
type TurnRequest struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

func (s *server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	turn := domain.ConversationTurn{Role: req.Role, Content: req.Content, Timestamp: time.Now().UTC()}
	if err := s.turns.Append(r.Context(), r.PathValue("id"), turn); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Warn("stats incomplete", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if err := decode(r, &doc); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.ingest(r.Context(), doc).Unwrap()
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidArgument) {
			s.logger.Error("ingest failed", "source", doc.Source, "err", err)
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "ingestion failed", Code: rag.CodeInternal, RequestID: mid.RequestIDFrom(r.Context())})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}
