// Package content abstracts the external content source consulted by the
// context cache. A Source answers "what documents match this query text"
// and nothing more; freshness, caching, and staleness policies live in
// the cache, not here.
package content

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ashita-ai/renkei/internal/model"
)

// Source is the fetch-and-list interface over an external content
// provider. Implementations must be safe for concurrent use.
type Source interface {
	// Fetch returns documents matching the query text, best first.
	// Scores are raw provider scores; callers run Rank to normalize.
	Fetch(ctx context.Context, query string, filters map[string]string, limit int) ([]model.ContextItem, error)

	// Healthy returns nil if the provider is reachable.
	Healthy(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// recencyHalf controls recency weighting in Rank: a document this old
// has its score halved relative to a brand-new one.
const recencyHalf = 90 * 24 * time.Hour

// Rank normalizes raw provider scores into [0,1] with recency weighting,
// sorts descending by relevance, breaks ties by more recent
// source_updated_at, and truncates to limit.
func Rank(items []model.ContextItem, limit int) []model.ContextItem {
	now := time.Now()
	ranked := make([]model.ContextItem, 0, len(items))
	for _, it := range items {
		age := now.Sub(it.SourceUpdatedAt)
		if age < 0 {
			age = 0
		}
		decay := 1.0 / (1.0 + age.Hours()/recencyHalf.Hours())
		it.RelevanceScore = clamp01(it.RelevanceScore * decay)
		ranked = append(ranked, it)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].SourceUpdatedAt.After(ranked[j].SourceUpdatedAt)
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
