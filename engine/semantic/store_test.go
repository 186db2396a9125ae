package semantic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/studduoai/studduo/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertReq  *pb.UpsertPoints
	upsertErr  error
	deleteReq  *pb.DeletePoints
	deleteErr  error
	searchReq  *pb.SearchPoints
	searchN    int
	searchResp *pb.SearchResponse
	searchErr  error
	countResp  *pb.CountResponse
	countErr   error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReq = in
	return &pb.PointsOperationResponse{}, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleteReq = in
	return &pb.PointsOperationResponse{}, m.deleteErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	m.searchN++
	if m.searchResp == nil || uint64(len(m.searchResp.Result)) <= in.GetLimit() {
		return m.searchResp, m.searchErr
	}
	return &pb.SearchResponse{Result: m.searchResp.Result[:in.GetLimit()]}, m.searchErr
}
func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	created   *pb.CreateCollection
	createErr error
	deleted   bool
	deleteErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = in
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted = true
	return &pb.CollectionOperationResponse{Result: true}, m.deleteErr
}

func scored(uuid string, score float32, passageID, source string, chunk int64, text string) *pb.ScoredPoint {
	payload := map[string]*pb.Value{
		keyText:       stringValue(text),
		keySource:     stringValue(source),
		keyChunkIndex: {Kind: &pb.Value_IntegerValue{IntegerValue: chunk}},
	}
	if passageID != "" {
		payload[keyPassageID] = stringValue(passageID)
	}
	return &pb.ScoredPoint{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid}},
		Score:   score,
		Payload: payload,
	}
}

// --- Tests ---

func TestNewWithClients_Close(t *testing.T) {
	q := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4, nil)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "notes"}},
		},
	}
	q := NewWithClients(&mockPoints{}, cols, "notes", 4, nil)
	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.created != nil {
		t.Error("existing collection should not be recreated")
	}
}

func TestEnsureCollection_CreatesCosine(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "other"}},
		},
	}
	q := NewWithClients(&mockPoints{}, cols, "notes", 768, nil)
	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params := cols.created.GetVectorsConfig().GetParams()
	if params.GetSize() != 768 || params.GetDistance() != pb.Distance_Cosine {
		t.Errorf("unexpected vector params: %v", params)
	}
}

func TestEnsureCollection_Errors(t *testing.T) {
	q := NewWithClients(&mockPoints{}, &mockCollections{listErr: errors.New("rpc fail")}, "notes", 4, nil)
	if err := q.EnsureCollection(context.Background()); err == nil {
		t.Fatal("expected list error")
	}

	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}, createErr: errors.New("create fail")}
	q = NewWithClients(&mockPoints{}, cols, "notes", 4, nil)
	if err := q.EnsureCollection(context.Background()); err == nil {
		t.Fatal("expected create error")
	}

	q = NewWithClients(&mockPoints{}, &mockCollections{listResp: &pb.ListCollectionsResponse{}}, "notes", 0, nil)
	if err := q.EnsureCollection(context.Background()); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero dims, got %v", err)
	}
}

func TestReset(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}}
	q := NewWithClients(&mockPoints{}, cols, "notes", 4, nil)
	if err := q.Reset(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cols.deleted || cols.created == nil {
		t.Error("Reset should delete and recreate the collection")
	}

	cols = &mockCollections{deleteErr: errors.New("fail")}
	q = NewWithClients(&mockPoints{}, cols, "notes", 4, nil)
	if err := q.Reset(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCount(t *testing.T) {
	pts := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 42}}}
	q := NewWithClients(pts, &mockCollections{}, "notes", 4, nil)
	n, err := q.Count(context.Background())
	if err != nil || n != 42 {
		t.Fatalf("Count = %d, %v; want 42", n, err)
	}

	pts = &mockPoints{countErr: errors.New("down")}
	q = NewWithClients(pts, &mockCollections{}, "notes", 4, nil)
	if _, err := q.Count(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsert(t *testing.T) {
	pts := &mockPoints{}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)
	if err := q.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.upsertReq != nil {
		t.Fatal("empty upsert should not call qdrant")
	}

	passages := []domain.IndexedPassage{
		{Embedding: domain.Embedding{1, 0}, Text: "Cells divide.", SourceLabel: "bio.pdf", ChunkIndex: 4},
	}
	if err := q.Upsert(context.Background(), passages); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pt := pts.upsertReq.GetPoints()[0]
	if got := pt.GetId().GetUuid(); got != PointID("bio.pdf_4") {
		t.Errorf("point id = %s, want derived from bio.pdf_4", got)
	}
	if got := pt.GetPayload()[keyPassageID].GetStringValue(); got != "bio.pdf_4" {
		t.Errorf("passage_id payload = %q", got)
	}
	if got := pt.GetPayload()[keyChunkIndex].GetIntegerValue(); got != 4 {
		t.Errorf("chunk_index payload = %d", got)
	}

	pts.upsertErr = errors.New("fail")
	if err := q.Upsert(context.Background(), passages); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteBySource(t *testing.T) {
	pts := &mockPoints{}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)
	if err := q.DeleteBySource(context.Background(), "bio.pdf"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cond := pts.deleteReq.GetPoints().GetFilter().GetMust()[0].GetField()
	if cond.GetKey() != keySource || cond.GetMatch().GetKeyword() != "bio.pdf" {
		t.Errorf("unexpected filter: %v", cond)
	}

	pts.deleteErr = errors.New("fail")
	if err := q.DeleteBySource(context.Background(), "bio.pdf"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch_OrdersAndTruncates(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				scored("u3", 0.81, "chem.md_2", "chem.md", 2, "Bonds."),
				scored("u2", 0.88, "bio.pdf_5", "bio.pdf", 5, "Mitosis phases."),
				scored("u1", 0.88, "bio.pdf_4", "bio.pdf", 4, "Mitosis overview."),
				scored("u4", 1.02, "", "phys.md", 0, "Forces."),
			},
		},
	}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)
	results, err := q.Search(context.Background(), domain.Embedding{1, 0}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.searchReq.GetLimit() != uint64(3+tieSlack) {
		t.Errorf("limit = %d, want %d", pts.searchReq.GetLimit(), 3+tieSlack)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	wantIDs := []string{"u4", "bio.pdf_4", "bio.pdf_5"}
	for i, want := range wantIDs {
		if results[i].Passage.ID != want {
			t.Errorf("result[%d] = %s, want %s", i, results[i].Passage.ID, want)
		}
	}
	if results[0].Score != 1 {
		t.Errorf("score should be clamped to 1, got %v", results[0].Score)
	}
	if results[1].Passage.SourceLabel != "bio.pdf" || results[1].Passage.ChunkIndex != 4 || results[1].Passage.Text != "Mitosis overview." {
		t.Errorf("payload not mapped: %+v", results[1].Passage)
	}
}

func TestSearch_WidensOnTiesAtCut(t *testing.T) {
	// Qdrant returns equal scores in arbitrary order; ids here run backwards.
	var result []*pb.ScoredPoint
	for i := 19; i >= 0; i-- {
		id := fmt.Sprintf("doc_%02d", i)
		result = append(result, scored("u"+id, 0.5, id, "doc", int64(i), "Same."))
	}
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: result}}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)

	results, err := q.Search(context.Background(), domain.Embedding{1, 0}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.searchN < 2 {
		t.Errorf("expected the limit to widen, got %d calls", pts.searchN)
	}
	if len(results) != 2 || results[0].Passage.ID != "doc_00" || results[1].Passage.ID != "doc_01" {
		t.Fatalf("tie not cut by id: %+v", results)
	}
}

func TestSearch_NoWidenWithoutTie(t *testing.T) {
	var result []*pb.ScoredPoint
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("doc_%02d", i)
		result = append(result, scored("u"+id, float32(0.9-0.01*float64(i)), id, "doc", int64(i), "Text."))
	}
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: result}}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)

	if _, err := q.Search(context.Background(), domain.Embedding{1, 0}, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.searchN != 1 {
		t.Errorf("expected one search call, got %d", pts.searchN)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	q := NewWithClients(&mockPoints{searchResp: &pb.SearchResponse{}}, &mockCollections{}, "notes", 2, nil)
	results, err := q.Search(context.Background(), domain.Embedding{1, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", results)
	}
}

func TestSearch_Errors(t *testing.T) {
	pts := &mockPoints{searchErr: status.Error(codes.Unavailable, "connection refused")}
	q := NewWithClients(pts, &mockCollections{}, "notes", 2, nil)
	_, err := q.Search(context.Background(), domain.Embedding{1}, 5)
	if !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}

	pts.searchReq = nil
	if _, err := q.Search(context.Background(), domain.Embedding{1}, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for k=0, got %v", err)
	}
	if pts.searchReq != nil {
		t.Error("invalid k must not reach qdrant")
	}
}

func TestFieldMatch(t *testing.T) {
	fc := fieldMatch("key", "value").GetField()
	if fc.Key != "key" || fc.Match.GetKeyword() != "value" {
		t.Fatalf("unexpected condition: %v", fc)
	}
}
