package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockCursor struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockCursor) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockCursor) Record() *neo4j.Record { return m.records[m.idx-1] }

type mockSession struct {
	records []*neo4j.Record
	err     error
	cyphers []string
	params  []map[string]any
}

func (m *mockSession) Run(_ context.Context, cypher string, params map[string]any) (Cursor, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return &mockCursor{records: m.records}, nil
}

func (m *mockSession) Close(context.Context) error { return nil }

type topic struct {
	ID   string
	Name string
}

func topicRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(s *mockSession, opts ...Neo4jOption[topic]) *Neo4jRepo[topic] {
	opts = append(opts, WithSessionFactory[topic](func(context.Context) Session { return s }))
	return NewNeo4jRepo[topic](
		nil, "Topic",
		func(e topic) map[string]any { return map[string]any{"id": e.ID, "name": e.Name} },
		func(rec *neo4j.Record) (topic, error) {
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return topic{}, errors.New("bad type")
			}
			return topic{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
		opts...,
	)
}

// --- Tests ---

func TestWithDatabase(t *testing.T) {
	r := NewNeo4jRepo[topic](nil, "Topic", nil, nil)
	if got := r.sessionConfig().DatabaseName; got != "" {
		t.Fatalf("default database = %q, want server default", got)
	}
	r = NewNeo4jRepo[topic](nil, "Topic", nil, nil, WithDatabase[topic]("study"))
	if got := r.sessionConfig().DatabaseName; got != "study" {
		t.Fatalf("database = %q, want study", got)
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	s := &mockSession{records: []*neo4j.Record{topicRecord("1", "A"), topicRecord("2", "B")}}
	items, err := newTestRepo(s).List(context.Background(), ListOpts{
		Limit:   4,
		Filter:  map[string]any{"subject": "bio", "course": "101"},
		OrderBy: "ts",
		Desc:    true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	want := "MATCH (n:Topic) WHERE n.course = $f_course AND n.subject = $f_subject RETURN n ORDER BY n.ts DESC SKIP $offset LIMIT $limit"
	if s.cyphers[0] != want {
		t.Errorf("cypher:\n got %q\nwant %q", s.cyphers[0], want)
	}
	if s.params[0]["f_subject"] != "bio" || s.params[0]["limit"] != 4 {
		t.Errorf("params = %v", s.params[0])
	}
}

func TestList_DefaultsAndErrors(t *testing.T) {
	s := &mockSession{}
	if _, err := newTestRepo(s).List(context.Background(), ListOpts{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.cyphers[0] != "MATCH (n:Topic) RETURN n SKIP $offset LIMIT $limit" || s.params[0]["limit"] != 100 {
		t.Errorf("unexpected default query %q %v", s.cyphers[0], s.params[0])
	}

	if _, err := newTestRepo(&mockSession{}).List(context.Background(), ListOpts{Filter: map[string]any{"x) DETACH DELETE n //": 1}}); err == nil {
		t.Fatal("expected invalid filter key error")
	}
	if _, err := newTestRepo(&mockSession{}).List(context.Background(), ListOpts{OrderBy: "ts DESC; MATCH"}); err == nil {
		t.Fatal("expected invalid order key error")
	}
	if _, err := newTestRepo(&mockSession{err: errors.New("fail")}).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected run error")
	}
	bad := &neo4j.Record{Values: []any{"not a map"}, Keys: []string{"n"}}
	if _, err := newTestRepo(&mockSession{records: []*neo4j.Record{bad}}).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := &mockSession{records: []*neo4j.Record{topicRecord("3", "C")}}

	got, err := newTestRepo(s).Create(ctx, topic{ID: "3", Name: "C"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Name != "C" {
		t.Fatalf("got %+v", got)
	}
	if s.cyphers[0] != "CREATE (n:Topic $props) RETURN n" {
		t.Errorf("cypher = %q", s.cyphers[0])
	}
	props, _ := s.params[0]["props"].(map[string]any)
	if props["name"] != "C" {
		t.Errorf("props = %v", s.params[0])
	}

	if _, err := newTestRepo(&mockSession{}).Create(ctx, topic{}); err == nil {
		t.Error("expected error when create returns no record")
	}
	if _, err := newTestRepo(&mockSession{err: errors.New("fail")}).Create(ctx, topic{}); err == nil {
		t.Error("expected create error")
	}
}
