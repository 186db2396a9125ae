package semantic

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/studduoai/studduo/engine/domain"
)

// Score ties at the k-th position are ordered by passage ID, which Qdrant
// does not do. Search asks for tieSlack extra points and doubles the limit
// while the last point returned still ties with the k-th, up to
// maxTieLimit. A tie run longer than that is cut in Qdrant's order.
const (
	tieSlack    = 4
	maxTieLimit = 1024
)

// pointsAPI is the subset of pb.PointsClient the index uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the index uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantIndex is the sole owner of all Qdrant operations.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
	logger      *slog.Logger
}

var _ Store = (*QdrantIndex)(nil)

// NewQdrant creates a QdrantIndex connected to Qdrant at the given gRPC address.
// dims is the vector size used when the collection has to be (re)created.
func NewQdrant(addr, collection string, dims int, logger *slog.Logger) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	q := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims, logger)
	q.conn = conn
	return q, nil
}

// NewWithClients builds a QdrantIndex over existing gRPC clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int, logger *slog.Logger) *QdrantIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantIndex{
		points:      points,
		collections: collections,
		collection:  collection,
		dims:        dims,
		logger:      logger,
	}
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection with cosine distance if it doesn't exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	if q.dims <= 0 {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, domain.InvalidArgument("dimensions", fmt.Sprint(q.dims)))
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	q.logger.Info("semantic: created collection", "collection", q.collection, "dims", q.dims)
	return nil
}

// DeleteCollection deletes the collection.
func (q *QdrantIndex) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: q.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// Reset drops and recreates the collection.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	if err := q.DeleteCollection(ctx); err != nil {
		return err
	}
	return q.EnsureCollection(ctx)
}

// Count returns the number of stored passages.
func (q *QdrantIndex) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", q.collection, err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Upsert stores passages. Called by engine/ingest.
func (q *QdrantIndex) Upsert(ctx context.Context, passages []domain.IndexedPassage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(passages))
	for i, p := range passages {
		p = passageOrDefault(p)
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Embedding},
				},
			},
			Payload: map[string]*pb.Value{
				keyPassageID:  stringValue(p.ID),
				keyText:       stringValue(p.Text),
				keySource:     stringValue(p.SourceLabel),
				keyChunkIndex: {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.ChunkIndex)}},
			},
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(passages), err)
	}
	return nil
}

// DeleteBySource removes all passages of a source. Used for re-ingestion.
func (q *QdrantIndex) DeleteBySource(ctx context.Context, source string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{fieldMatch(keySource, source)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by source %s: %w", source, err)
	}
	return nil
}

// Search performs k-NN similarity search. Called by engine/rag.
func (q *QdrantIndex) Search(ctx context.Context, embedding domain.Embedding, k int) ([]domain.RetrievalResult, error) {
	if err := validateSearch(embedding, k); err != nil {
		return nil, err
	}

	var points []*pb.ScoredPoint
	for limit := k + tieSlack; ; limit = min(2*limit, maxTieLimit) {
		resp, err := q.points.Search(ctx, &pb.SearchPoints{
			CollectionName: q.collection,
			Vector:         embedding,
			Limit:          uint64(limit),
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			q.logger.Warn("semantic: qdrant search failed", "code", status.Code(err).String(), "err", err)
			return nil, fmt.Errorf("semantic: search: %w: %w", domain.ErrRetrievalUnavailable, err)
		}
		points = resp.GetResult()
		if len(points) < limit || limit >= maxTieLimit || !tiesAtCut(points, k) {
			break
		}
	}

	results := make([]domain.RetrievalResult, 0, len(points))
	for _, r := range points {
		results = append(results, domain.RetrievalResult{
			Passage: passageFromPayload(r.GetId().GetUuid(), r.GetPayload()),
			Score:   float64(r.GetScore()),
		})
	}
	return Rank(results, k), nil
}

// tiesAtCut reports whether the last point, in Qdrant's descending order,
// scores the same as the k-th once clamped.
func tiesAtCut(points []*pb.ScoredPoint, k int) bool {
	if len(points) <= k {
		return false
	}
	kth := ClampScore(float64(points[k-1].GetScore()))
	last := ClampScore(float64(points[len(points)-1].GetScore()))
	return last >= kth
}

func passageFromPayload(pointID string, payload map[string]*pb.Value) domain.IndexedPassage {
	p := domain.IndexedPassage{ID: pointID}
	for k, val := range payload {
		switch k {
		case keyPassageID:
			if s := val.GetStringValue(); s != "" {
				p.ID = s
			}
		case keyText, "content":
			p.Text = val.GetStringValue()
		case keySource:
			p.SourceLabel = val.GetStringValue()
		case keyChunkIndex:
			p.ChunkIndex = int(val.GetIntegerValue())
		}
	}
	return p
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
