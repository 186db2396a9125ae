package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/studduoai/studduo/engine/domain"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorIndex stores passages in a Postgres table with a pgvector column.
type PGVectorIndex struct {
	db     *sql.DB
	table  string
	dims   int
	logger *slog.Logger
}

var _ Store = (*PGVectorIndex)(nil)

// OpenPGVector connects to Postgres using dsn.
func OpenPGVector(ctx context.Context, dsn, table string, dims int, logger *slog.Logger) (*PGVectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("semantic: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("semantic: ping postgres: %w", err)
	}
	return NewPGVector(db, table, dims, logger)
}

// NewPGVector wraps an existing database handle.
func NewPGVector(db *sql.DB, table string, dims int, logger *slog.Logger) (*PGVectorIndex, error) {
	if !identRe.MatchString(table) {
		return nil, domain.InvalidArgument("table", table)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGVectorIndex{db: db, table: table, dims: dims, logger: logger}, nil
}

// Close closes the database handle.
func (p *PGVectorIndex) Close() error { return p.db.Close() }

// EnsureSchema creates the extension and passage table if missing.
func (p *PGVectorIndex) EnsureSchema(ctx context.Context) error {
	if p.dims <= 0 {
		return fmt.Errorf("semantic: ensure schema: %w", domain.InvalidArgument("dimensions", fmt.Sprint(p.dims)))
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("semantic: ensure schema: %w", err)
		}
	}
	return nil
}

// Search returns the k most similar passages. Scores are clamped in SQL so
// the LIMIT cut uses the same order as Rank.
func (p *PGVectorIndex) Search(ctx context.Context, embedding domain.Embedding, k int) ([]domain.RetrievalResult, error) {
	if err := validateSearch(embedding, k); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, source, chunk_index, text, GREATEST(0, 1 - (embedding <=> $1)) AS score
		FROM %s
		ORDER BY score DESC, id
		LIMIT $2`, p.table)

	rows, err := p.db.QueryContext(ctx, query, pgvector.NewVector(embedding), k)
	if err != nil {
		p.logger.Warn("semantic: pgvector search failed", "table", p.table, "err", err)
		return nil, fmt.Errorf("semantic: search: %w: %w", domain.ErrRetrievalUnavailable, err)
	}
	defer rows.Close()

	results := make([]domain.RetrievalResult, 0, min(k, 64))
	for rows.Next() {
		var r domain.RetrievalResult
		if err := rows.Scan(&r.Passage.ID, &r.Passage.SourceLabel, &r.Passage.ChunkIndex, &r.Passage.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("semantic: scan result: %w: %w", domain.ErrRetrievalUnavailable, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: iterate results: %w: %w", domain.ErrRetrievalUnavailable, err)
	}
	return Rank(results, k), nil
}

// Upsert inserts or replaces passages in one transaction.
func (p *PGVectorIndex) Upsert(ctx context.Context, passages []domain.IndexedPassage) error {
	if len(passages) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := fmt.Sprintf(`INSERT INTO %s (id, source, chunk_index, text, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			chunk_index = EXCLUDED.chunk_index,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding`, p.table)
	for _, ps := range passages {
		ps = passageOrDefault(ps)
		if _, err := tx.ExecContext(ctx, stmt, ps.ID, ps.SourceLabel, ps.ChunkIndex, ps.Text, pgvector.NewVector(ps.Embedding)); err != nil {
			return fmt.Errorf("semantic: upsert %s: %w", ps.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("semantic: commit upsert: %w", err)
	}
	return nil
}

// DeleteBySource removes all passages of a source.
func (p *PGVectorIndex) DeleteBySource(ctx context.Context, source string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, p.table), source)
	if err != nil {
		return fmt.Errorf("semantic: delete by source %s: %w", source, err)
	}
	return nil
}

// Count returns the number of stored passages.
func (p *PGVectorIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", p.table, err)
	}
	return n, nil
}

// Reset removes every passage.
func (p *PGVectorIndex) Reset(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s`, p.table)); err != nil {
		return fmt.Errorf("semantic: truncate %s: %w", p.table, err)
	}
	return nil
}
