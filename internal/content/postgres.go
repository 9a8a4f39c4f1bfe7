package content

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/renkei/internal/model"
)

// PostgresSource serves context queries from a shared Postgres document
// store using full-text search. Deployments that already run Postgres can
// point renkei at an existing documents table instead of standing up a
// vector index.
type PostgresSource struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	tsv        tsvector GENERATED ALWAYS AS (
		setweight(to_tsvector('english', title), 'A') ||
		setweight(to_tsvector('english', body), 'B')
	) STORED
);
CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);
`

// NewPostgresSource connects to Postgres and ensures the documents schema.
func NewPostgresSource(ctx context.Context, url string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("content: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("content: init postgres schema: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Put inserts or replaces a document. Exposed for loaders and tests.
func (p *PostgresSource) Put(ctx context.Context, id, title, body, source string, updatedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, title, body, source, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body,
		 source = EXCLUDED.source, updated_at = EXCLUDED.updated_at`,
		id, title, body, source, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("content: put document %q: %w", id, err)
	}
	return nil
}

// Fetch runs a websearch-style full-text query. ts_rank_cd is normalized
// by document length (flag 32 maps rank into rank/(rank+1), keeping it in
// [0,1]). The optional "source" filter restricts to one document source.
func (p *PostgresSource) Fetch(ctx context.Context, query string, filters map[string]string, limit int) ([]model.ContextItem, error) {
	if limit <= 0 {
		limit = 20
	}

	sql := `SELECT id,
	               ts_headline('english', body, websearch_to_tsquery('english', $1),
	                           'MaxWords=40, MinWords=15') AS excerpt,
	               ts_rank_cd(tsv, websearch_to_tsquery('english', $1), 32) AS rank,
	               updated_at
	        FROM documents
	        WHERE tsv @@ websearch_to_tsquery('english', $1)`
	args := []any{query}
	if src, ok := filters["source"]; ok && src != "" {
		sql += ` AND source = $2`
		args = append(args, src)
	}
	sql += fmt.Sprintf(` ORDER BY rank DESC, updated_at DESC LIMIT %d`, limit*4)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("content: postgres query: %w", err)
	}
	defer rows.Close()

	var items []model.ContextItem
	for rows.Next() {
		var it model.ContextItem
		var rank float32
		if err := rows.Scan(&it.Identifier, &it.Excerpt, &rank, &it.SourceUpdatedAt); err != nil {
			return nil, fmt.Errorf("content: scan document: %w", err)
		}
		it.RelevanceScore = float64(rank)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Healthy pings the pool.
func (p *PostgresSource) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("content: postgres unreachable: %w", err)
	}
	return nil
}

// Close closes the pool.
func (p *PostgresSource) Close() error {
	p.pool.Close()
	return nil
}
