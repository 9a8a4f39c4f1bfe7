package content

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"

	"github.com/ashita-ai/renkei/internal/model"
)

// SQLiteSource serves context queries from an embedded document store.
// The default backend for single-binary deployments: no external service,
// documents loaded by whatever populates the database file.
type SQLiteSource struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);
`

// NewSQLiteSource opens (creating if needed) the document database at path.
// Use ":memory:" for tests.
func NewSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("content: open sqlite %q: %w", path, err)
	}
	// modernc.org/sqlite serializes at the connection level; a single
	// connection avoids SQLITE_BUSY under concurrent queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("content: init sqlite schema: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// Put inserts or replaces a document. Exposed for loaders and tests.
func (s *SQLiteSource) Put(ctx context.Context, id, title, body, source string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, body, source, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, body=excluded.body,
		 source=excluded.source, updated_at=excluded.updated_at`,
		id, title, body, source, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("content: put document %q: %w", id, err)
	}
	return nil
}

// Fetch matches query terms against title and body with LIKE, scoring by
// the fraction of terms present (title hits weighted double). The
// optional "source" filter restricts to one document source.
func (s *SQLiteSource) Fetch(ctx context.Context, query string, filters map[string]string, limit int) ([]model.ContextItem, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		conds []string
		args  []any
	)
	for _, term := range terms {
		conds = append(conds, "(body LIKE ? ESCAPE '\\' OR title LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(term) + "%"
		args = append(args, pattern, pattern)
	}
	where := strings.Join(conds, " OR ")
	if src, ok := filters["source"]; ok && src != "" {
		where = "(" + where + ") AND source = ?"
		args = append(args, src)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, updated_at FROM documents WHERE `+where+
			` ORDER BY updated_at DESC LIMIT ?`, append(args, limit*4)...)
	if err != nil {
		return nil, fmt.Errorf("content: sqlite query: %w", err)
	}
	defer rows.Close()

	var items []model.ContextItem
	for rows.Next() {
		var id, title, body string
		var updatedAt time.Time
		if err := rows.Scan(&id, &title, &body, &updatedAt); err != nil {
			return nil, fmt.Errorf("content: scan document: %w", err)
		}
		items = append(items, model.ContextItem{
			Identifier:      id,
			Excerpt:         excerpt(body, terms),
			RelevanceScore:  termScore(title, body, terms),
			SourceUpdatedAt: updatedAt,
		})
		if len(items) == limit*4 {
			break
		}
	}
	return items, rows.Err()
}

// Healthy pings the database.
func (s *SQLiteSource) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("content: sqlite unreachable: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// queryTerms lowercases and splits the query, dropping terms shorter than
// two runes.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// termScore is the fraction of query terms found in the document, with
// title matches counted twice. Bounded to [0,1] by construction.
func termScore(title, body string, terms []string) float64 {
	title = strings.ToLower(title)
	body = strings.ToLower(body)
	var hits float64
	for _, term := range terms {
		switch {
		case strings.Contains(title, term):
			hits += 2
		case strings.Contains(body, term):
			hits++
		}
	}
	return hits / float64(2*len(terms))
}

const excerptRadius = 120

// excerpt returns a window of the body around the first matching term,
// or the head of the body when nothing matches directly.
func excerpt(body string, terms []string) string {
	lower := strings.ToLower(body)
	at := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (at == -1 || i < at) {
			at = i
		}
	}
	if at == -1 {
		at = 0
	}

	start := at - excerptRadius
	if start < 0 {
		start = 0
	}
	end := at + excerptRadius
	if end > len(body) {
		end = len(body)
	}
	// Widen both edges to rune boundaries so a multibyte rune is never
	// split.
	for start > 0 && !utf8.RuneStart(body[start]) {
		start--
	}
	for end < len(body) && !utf8.RuneStart(body[end]) {
		end++
	}
	return strings.TrimSpace(body[start:end])
}
