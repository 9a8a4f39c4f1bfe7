package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxQueryLen bounds the raw context query text.
const MaxQueryLen = 8 * 1024

// MaxQueryFilters bounds the number of filter pairs on a context query.
const MaxQueryFilters = 16

// ContextItem is one matched document from the external content source.
type ContextItem struct {
	Identifier      string    `json:"identifier"`
	Excerpt         string    `json:"excerpt"`
	RelevanceScore  float64   `json:"relevance_score"` // bounded to [0,1]
	SourceUpdatedAt time.Time `json:"source_updated_at"`
}

// ContextResult is the answer to a context query. Items are sorted
// descending by relevance, ties broken by more recent SourceUpdatedAt.
// Stale indicates the items came from a cache entry past its TTL; a
// refresh is already in flight when Stale is true.
type ContextResult struct {
	Items     []ContextItem `json:"items"`
	Stale     bool          `json:"stale"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// ValidateContextQuery checks the raw query and filter pairs.
func ValidateContextQuery(raw string, filters map[string]string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("query is required")
	}
	if len(raw) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d bytes", MaxQueryLen)
	}
	if len(filters) > MaxQueryFilters {
		return fmt.Errorf("at most %d filters allowed", MaxQueryFilters)
	}
	for k := range filters {
		if k == "" {
			return fmt.Errorf("filter keys must be non-empty")
		}
	}
	return nil
}
