// Package contextcache memoizes context query results so that repeated
// lookups for the same query shape do not hit the external content
// source. Entries are served fresh within the TTL, served stale with a
// background refresh after it, and fetched synchronously on a miss.
// Refreshes never make a result worse: a failed fetch keeps the old
// entry.
package contextcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/renkei/internal/content"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// ErrUpstream is returned when a cache miss cannot be served because the
// content source failed. Stale hits never return it.
var ErrUpstream = errors.New("contextcache: content source unavailable")

// Announcer is the slice of the bus the cache uses to broadcast refresh
// notifications.
type Announcer interface {
	System(eventType, sessionID string, payload map[string]any)
}

type entry struct {
	result    model.ContextResult
	fetchedAt time.Time
	elem      *list.Element // position in the LRU list
}

// Cache is a TTL + LRU cache over a content.Source. Safe for concurrent
// use.
type Cache struct {
	source       content.Source
	announcer    Announcer
	capacity     int
	ttl          time.Duration
	fetchTimeout time.Duration
	limit        int
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; values are signatures

	group      singleflight.Group
	refreshing sync.Map // signature -> struct{}, guards async refresh dedup

	hits       metric.Int64Counter
	staleHits  metric.Int64Counter
	misses     metric.Int64Counter
	refreshErr metric.Int64Counter
}

// Config holds Cache construction parameters.
type Config struct {
	Source       content.Source
	Announcer    Announcer // nil disables refresh broadcasts
	Capacity     int
	TTL          time.Duration
	FetchTimeout time.Duration
	ResultLimit  int
	Logger       *slog.Logger
}

// New creates a Cache.
func New(cfg Config) *Cache {
	meter := telemetry.Meter("renkei/contextcache")
	hits, _ := meter.Int64Counter("renkei.cache.hits",
		metric.WithDescription("Context queries served fresh from cache"))
	staleHits, _ := meter.Int64Counter("renkei.cache.stale_hits",
		metric.WithDescription("Context queries served stale while refreshing"))
	misses, _ := meter.Int64Counter("renkei.cache.misses",
		metric.WithDescription("Context queries that required a blocking fetch"))
	refreshErr, _ := meter.Int64Counter("renkei.cache.refresh_failures",
		metric.WithDescription("Background refreshes that failed and kept the old entry"))

	return &Cache{
		source:       cfg.Source,
		announcer:    cfg.Announcer,
		capacity:     cfg.Capacity,
		ttl:          cfg.TTL,
		fetchTimeout: cfg.FetchTimeout,
		limit:        cfg.ResultLimit,
		logger:       cfg.Logger,
		entries:      make(map[string]*entry),
		lru:          list.New(),
		hits:         hits,
		staleHits:    staleHits,
		misses:       misses,
		refreshErr:   refreshErr,
	}
}

// Signature derives the cache key from the query shape. Two queries that
// differ only in whitespace, letter case, or filter ordering share one
// entry.
func Signature(query string, filters map[string]string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(query)), " ")))

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s\x00%s", k, filters[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Query serves a context lookup. A fresh entry is returned as-is. An
// entry past its TTL is returned immediately with Stale set while a
// background refresh runs. A miss blocks on exactly one fetch no matter
// how many callers arrive at once.
func (c *Cache) Query(ctx context.Context, query string, filters map[string]string) (model.ContextResult, error) {
	sig := Signature(query, filters)

	c.mu.Lock()
	e, ok := c.entries[sig]
	if ok {
		c.lru.MoveToFront(e.elem)
		res := e.result
		age := time.Since(e.fetchedAt)
		c.mu.Unlock()

		if age < c.ttl {
			c.hits.Add(ctx, 1)
			res.Stale = false
			return res, nil
		}
		c.staleHits.Add(ctx, 1)
		res.Stale = true
		c.refreshAsync(sig, query, filters)
		return res, nil
	}
	c.mu.Unlock()

	c.misses.Add(ctx, 1)
	v, err, _ := c.group.Do(sig, func() (any, error) {
		// The fetch is shared by every collapsed caller, so it must not
		// run on the first arrival's context: that caller disconnecting
		// would surface a cancellation to all the others.
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, sig, query, filters)
	})
	if err != nil {
		return model.ContextResult{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return v.(model.ContextResult), nil
}

// refreshAsync kicks off at most one background refresh per signature.
func (c *Cache) refreshAsync(sig, query string, filters map[string]string) {
	if _, loaded := c.refreshing.LoadOrStore(sig, struct{}{}); loaded {
		return
	}
	go func() {
		defer c.refreshing.Delete(sig)

		// Detached from the requesting caller: the stale response has
		// already been sent by the time this fetch completes.
		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()

		if _, err := c.fetch(ctx, sig, query, filters); err != nil {
			c.refreshErr.Add(ctx, 1)
			c.logger.Warn("context refresh failed, keeping stale entry",
				"signature", sig[:12], "error", err)
			return
		}
		if c.announcer != nil {
			c.announcer.System(model.EventContextRefresh, model.SystemSource, map[string]any{
				"signature": sig,
			})
		}
	}()
}

// fetch performs one round trip to the source, ranks the result, and
// commits it. On failure the previous entry, if any, is left untouched.
func (c *Cache) fetch(ctx context.Context, sig, query string, filters map[string]string) (model.ContextResult, error) {
	items, err := c.source.Fetch(ctx, query, filters, c.limit)
	if err != nil {
		return model.ContextResult{}, err
	}

	res := model.ContextResult{
		Items:     content.Rank(items, c.limit),
		FetchedAt: time.Now().UTC(),
	}
	c.commit(sig, res)
	return res, nil
}

func (c *Cache) commit(sig string, res model.ContextResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[sig]; ok {
		e.result = res
		e.fetchedAt = res.FetchedAt
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{result: res, fetchedAt: res.FetchedAt}
	e.elem = c.lru.PushFront(sig)
	c.entries[sig] = e

	for c.capacity > 0 && len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops the entry for a query shape, if present.
func (c *Cache) Invalidate(query string, filters map[string]string) {
	sig := Signature(query, filters)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sig]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, sig)
	}
}
