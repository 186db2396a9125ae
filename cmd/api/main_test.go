package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/engine/embedcache"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/engine/rag"
	"github.com/studduoai/studduo/pkg/fn"
)

type fakeBuilder struct {
	res *rag.Result
	err error
	got rag.Request
}

func (f *fakeBuilder) Build(_ context.Context, req rag.Request) (*rag.Result, error) {
	f.got = req
	return f.res, f.err
}

type fakeTurns struct {
	conv string
	turn domain.ConversationTurn
}

func (f *fakeTurns) Append(_ context.Context, conv string, turn domain.ConversationTurn) error {
	if err := domain.ValidateTurn(turn); err != nil {
		return err
	}
	f.conv, f.turn = conv, turn
	return nil
}

type fakeStats struct {
	st  bootstrap.Stats
	err error
}

func (f fakeStats) Stats(context.Context) (bootstrap.Stats, error) { return f.st, f.err }

func newTestServer(b *fakeBuilder, turns *fakeTurns, st fakeStats, ing fn.Stage[domain.Document, ingest.Report]) http.Handler {
	s := &server{
		builder: b,
		turns:   turns,
		stats:   st,
		ingest:  ing,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s.routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestContextEndpoint(t *testing.T) {
	b := &fakeBuilder{res: &rag.Result{
		Context: domain.AssembledContext{TotalCharBudget: 500},
		Prompt:  "prompt",
		Sources: []rag.Source{{Source: "bio.pdf", ChunkIndex: 4, RelevanceScore: 0.91}},
	}}
	h := newTestServer(b, &fakeTurns{}, fakeStats{}, nil)

	rec := do(t, h, "POST", "/api/context", `{"conversation_id":"c1","query":"what is DNA?","k":3,"char_budget":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if b.got.Query != "what is DNA?" || b.got.K != 3 || !b.got.IncludeHistory || b.got.CharBudget != 500 {
		t.Errorf("unexpected request %+v", b.got)
	}
	var res rag.Result
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Prompt != "prompt" || len(res.Sources) != 1 || res.Sources[0].Source != "bio.pdf" {
		t.Errorf("unexpected response %+v", res)
	}

	do(t, h, "POST", "/api/context", `{"conversation_id":"c1","query":"q","include_history":false}`)
	if b.got.IncludeHistory {
		t.Error("explicit include_history=false ignored")
	}
}

func TestContextEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"invalid json", nil, "not json", http.StatusBadRequest},
		{"unknown field", nil, `{"question":"x"}`, http.StatusBadRequest},
		{"invalid argument", domain.InvalidArgument("query", ""), `{"query":""}`, http.StatusBadRequest},
		{"embedding down", fmt.Errorf("rag: %w", domain.ErrEmbeddingUnavailable), `{"query":"q"}`, http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), `{"query":"q"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeBuilder{err: tt.err}, &fakeTurns{}, fakeStats{}, nil)
			rec := do(t, h, "POST", "/api/context", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Code == "" {
				t.Errorf("expected error body with code, got %s", rec.Body)
			}
		})
	}
}

func TestAppendTurn(t *testing.T) {
	turns := &fakeTurns{}
	h := newTestServer(&fakeBuilder{}, turns, fakeStats{}, nil)

	rec := do(t, h, "POST", "/api/conversations/c42/turns", `{"role":"assistant","content":"Mitosis splits a cell."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if turns.conv != "c42" || turns.turn.Role != domain.RoleAssistant || turns.turn.Timestamp.IsZero() {
		t.Errorf("unexpected stored turn %q %+v", turns.conv, turns.turn)
	}

	rec = do(t, h, "POST", "/api/conversations/c42/turns", `{"role":"system","content":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad role, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	st := bootstrap.Stats{Cache: embedcache.Stats{Size: 3, Capacity: 1000}, Passages: 42, Breaker: "closed"}
	h := newTestServer(&fakeBuilder{}, &fakeTurns{}, fakeStats{st: st}, nil)

	rec := do(t, h, "GET", "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got bootstrap.Stats
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Passages != 42 || got.Cache.Size != 3 {
		t.Errorf("unexpected stats %+v", got)
	}

	h = newTestServer(&fakeBuilder{}, &fakeTurns{}, fakeStats{st: st, err: errors.New("qdrant down")}, nil)
	if rec := do(t, h, "GET", "/api/stats", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIngestEndpoint(t *testing.T) {
	ok := func(_ context.Context, d domain.Document) fn.Result[ingest.Report] {
		if err := domain.ValidateDocument(d); err != nil {
			return fn.Err[ingest.Report](err)
		}
		return fn.Ok(ingest.Report{Source: d.Source, Chunks: 2})
	}
	h := newTestServer(&fakeBuilder{}, &fakeTurns{}, fakeStats{}, ok)

	rec := do(t, h, "POST", "/api/documents", `{"source":"bio.md","text":"Cells."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, "POST", "/api/documents", `{"source":"","text":"Cells."}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	failing := func(context.Context, domain.Document) fn.Result[ingest.Report] {
		return fn.Err[ingest.Report](errors.New("embedder down"))
	}
	h = newTestServer(&fakeBuilder{}, &fakeTurns{}, fakeStats{}, failing)
	if rec := do(t, h, "POST", "/api/documents", `{"source":"a","text":"b"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV_VAR_XYZ", "custom")
	if v := envOr("TEST_ENV_VAR_XYZ", "default"); v != "custom" {
		t.Fatalf("expected custom, got %s", v)
	}
	if v := envOr("NONEXISTENT_VAR_ABC", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
}
