package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheCounters(t *testing.T) {
	m := New("test")
	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheEvicted(3)
	m.CacheEvicted(0)
	m.CacheSize(7)

	if got := testutil.ToFloat64(m.cacheHits); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheMisses); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheEvictions); got != 3 {
		t.Errorf("evictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.cacheSize); got != 7 {
		t.Errorf("size = %v, want 7", got)
	}
}

func TestRetrievalAndEmbed(t *testing.T) {
	m := New("test")
	start := time.Now()
	m.RetrievalDone(start, "")
	m.RetrievalDone(start, "index")
	m.EmbedCall(start, nil)
	m.EmbedCall(start, errors.New("boom"))
	m.Degraded()

	if got := testutil.ToFloat64(m.retrievalErrors.WithLabelValues("index")); got != 1 {
		t.Errorf("index errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.embedCalls.WithLabelValues("error")); got != 1 {
		t.Errorf("embed errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.embedCalls.WithLabelValues("ok")); got != 1 {
		t.Errorf("embed ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.degraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit()
	m.CacheMiss()
	m.CacheEvicted(1)
	m.CacheSize(1)
	m.EmbedCall(time.Now(), nil)
	m.RetrievalDone(time.Now(), "x")
	m.Degraded()
	m.ContextChars(10)
	m.IngestChunks(1, nil)
	m.BreakerState("x", 1)
	m.HTTPRequest("/", 200)
}

func TestBreakerState(t *testing.T) {
	m := New("test")
	m.BreakerState("vector-index", 1)
	m.BreakerState("vector-index", 2)
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("vector-index")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	m := New("studduo")
	m.CacheHit()
	m.HTTPRequest("/api/context", 200)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"studduo_embed_cache_hits_total 1",
		`studduo_http_requests_total{code="200",route="/api/context"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
}
