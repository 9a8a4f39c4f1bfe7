package content

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/ashita-ai/renkei/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantSource serves context queries from a Qdrant vector index. Query
// text is embedded by the configured Embedder and matched by cosine
// similarity; document payloads carry the excerpt and update timestamp.
type QdrantSource struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	embedder   Embedder
	logger     *slog.Logger
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("content: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("content: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantSource connects to Qdrant over gRPC.
func NewQdrantSource(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*QdrantSource, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("content: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantSource{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and payload indexes if missing.
// Index creation is idempotent on Qdrant, so this safely backfills
// indexes added after the collection was first created.
func (q *QdrantSource) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("content: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("content: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "source",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("content: ensure index on source: %w", err)
	}
	return nil
}

// Fetch embeds the query and searches the collection by cosine
// similarity. Similarity scores are already in [0,1] for cosine distance
// on normalized vectors. The optional "source" filter restricts to one
// document source.
func (q *QdrantSource) Fetch(ctx context.Context, query string, filters map[string]string, limit int) ([]model.ContextItem, error) {
	if limit <= 0 {
		limit = 20
	}

	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("content: embed query: %w", err)
	}

	var filter *qdrant.Filter
	if src, ok := filters["source"]; ok && src != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("source", src)}}
	}

	fetchLimit := uint64(limit * 4) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("content: qdrant query: %w", err)
	}

	items := make([]model.ContextItem, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			id = strconv.FormatUint(sp.Id.GetNum(), 10)
		}
		payload := sp.Payload
		it := model.ContextItem{
			Identifier:     id,
			RelevanceScore: float64(sp.Score),
		}
		if v, ok := payload["excerpt"]; ok {
			it.Excerpt = v.GetStringValue()
		}
		if v, ok := payload["updated_at_unix"]; ok {
			it.SourceUpdatedAt = time.Unix(v.GetIntegerValue(), 0).UTC()
		}
		items = append(items, it)
	}
	return items, nil
}

// Healthy checks connectivity with a lightweight health probe.
func (q *QdrantSource) Healthy(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("content: qdrant unreachable: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantSource) Close() error {
	return q.client.Close()
}
