// Package ratelimit provides an in-memory sliding-window rate limiter.
//
// The limiter tracks request timestamps per key inside a rolling window,
// so a burst at the end of one minute cannot be immediately followed by a
// full quota at the start of the next. Keys are opaque; callers construct
// them (e.g. "publish:<session_id>"). A background goroutine evicts keys
// not seen recently to bound memory.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Rule describes one quota: Limit requests per rolling Window.
// Prefix namespaces the key so the same identifier can be limited
// independently per operation class.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time // when the oldest counted request leaves the window
}

// RetryAfter returns how long the caller should wait before retrying.
// Zero when the request was allowed; never less than one second when denied.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	d := time.Until(r.ResetAt)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// FormatHeaders returns the standard X-RateLimit-* header values.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// window holds the request timestamps for one key, oldest first.
type window struct {
	stamps     []time.Time
	lastAccess time.Time
}

// Limiter is a sliding-window rate limiter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Limiter and starts its idle-key eviction goroutine.
// Call Close to stop it.
func New() *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow records one request for key under rule and reports whether it fits
// the quota. Denied requests are not counted against the window, so a
// client hammering a full window does not push its own reset further out.
func (l *Limiter) Allow(_ context.Context, rule Rule, key string) Result {
	return l.allowAt(time.Now(), rule, key)
}

func (l *Limiter) allowAt(now time.Time, rule Rule, key string) Result {
	full := rule.Prefix + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[full]
	if !ok {
		w = &window{}
		l.windows[full] = w
	}
	w.lastAccess = now

	// Drop timestamps that have left the rolling window.
	cutoff := now.Add(-rule.Window)
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}

	resetAt := now.Add(rule.Window)
	if len(w.stamps) > 0 {
		resetAt = w.stamps[0].Add(rule.Window)
	}

	if len(w.stamps) >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: resetAt}
	}

	w.stamps = append(w.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(w.stamps),
		ResetAt:   resetAt,
	}
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

const idleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idleThreshold)
	for key, w := range l.windows {
		if w.lastAccess.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}
