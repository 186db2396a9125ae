package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/studduoai/studduo/engine/domain"
	"github.com/studduoai/studduo/pkg/repo"
)

// turnNode is the (:Turn) node shape.
type turnNode struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	TS             int64
}

// Neo4jStore keeps turns as (:Turn) nodes keyed by conversation_id.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	turns  repo.Repository[turnNode]
	now    func() time.Time
}

var _ ReadWriter = (*Neo4jStore)(nil)

// OpenNeo4j connects to Neo4j and verifies connectivity. An empty database
// uses the server default.
func OpenNeo4j(ctx context.Context, url, user, pass, database string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("history: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("history: neo4j connect: %w", err)
	}
	s := newNeo4jStore(repo.NewNeo4jRepo(driver, "Turn", turnToMap, turnFromRecord,
		repo.WithDatabase[turnNode](database)))
	s.driver = driver
	return s, nil
}

// newNeo4jStore builds a store over an existing turn repository.
func newNeo4jStore(turns repo.Repository[turnNode]) *Neo4jStore {
	return &Neo4jStore{turns: turns, now: time.Now}
}

// Recent returns the latest turns of a conversation, most recent first.
func (s *Neo4jStore) Recent(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	nodes, err := s.turns.List(ctx, repo.ListOpts{
		Limit:   limit,
		Filter:  map[string]any{"conversation_id": conversationID},
		OrderBy: "ts",
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("history: list turns: %w", err)
	}
	turns := make([]domain.ConversationTurn, len(nodes))
	for i, n := range nodes {
		turns[i] = domain.ConversationTurn{
			Role:      domain.Role(n.Role),
			Content:   n.Content,
			Timestamp: time.Unix(0, n.TS).UTC(),
		}
	}
	return turns, nil
}

// Append records a turn. A zero timestamp is set to now.
func (s *Neo4jStore) Append(ctx context.Context, conversationID string, turn domain.ConversationTurn) error {
	if err := validateAppend(conversationID, turn); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	_, err := s.turns.Create(ctx, turnNode{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           string(turn.Role),
		Content:        turn.Content,
		TS:             turn.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("history: create turn: %w", err)
	}
	return nil
}

// Close closes the driver when the store owns it.
func (s *Neo4jStore) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

func turnToMap(t turnNode) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"conversation_id": t.ConversationID,
		"role":            t.Role,
		"content":         t.Content,
		"ts":              t.TS,
	}
}

func turnFromRecord(rec *neo4j.Record) (turnNode, error) {
	raw, ok := rec.Get("n")
	if !ok {
		return turnNode{}, fmt.Errorf("history: record has no node")
	}
	var props map[string]any
	switch v := raw.(type) {
	case neo4j.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return turnNode{}, fmt.Errorf("history: unexpected record value %T", raw)
	}
	t := turnNode{}
	t.ID, _ = props["id"].(string)
	t.ConversationID, _ = props["conversation_id"].(string)
	t.Role, _ = props["role"].(string)
	t.Content, _ = props["content"].(string)
	t.TS, _ = props["ts"].(int64)
	return t, nil
}
