// Package bus implements the broadcast fan-out path between sessions.
//
// One Bus serves the whole process. Publishing never blocks on a slow
// subscriber: each subscription owns an independent bounded buffer, and a
// full buffer drops its oldest unread event (counted, never silently).
// The bus holds no liveness state of its own; it consults the session
// registry on every publish so "registered" and "subscribable" cannot
// drift apart.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/ratelimit"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

var (
	// ErrForbidden is returned when the source session is unknown, expired,
	// or otherwise not allowed to publish. Nothing is delivered.
	ErrForbidden = errors.New("bus: source session is not alive")

	// ErrNotFound is returned by Subscribe for an unknown session.
	ErrNotFound = errors.New("bus: session not found")
)

// RateLimitError is returned when a source exceeded its publish quota.
// Nothing is delivered for the rejected call.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("bus: publish quota exceeded, retry after %s", e.RetryAfter)
}

// Liveness is the slice of the session registry the bus consults.
type Liveness interface {
	Alive(id uuid.UUID) bool
}

// Bus fans published events out to matching subscriptions.
type Bus struct {
	liveness Liveness
	limiter  *ratelimit.Limiter
	rule     ratelimit.Rule
	bufSize  int
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription // keyed by session id

	seqMu sync.Mutex
	seqs  map[string]*sourceSeq // per-source sequence state

	published metric.Int64Counter
	dropped   metric.Int64Counter
	rejected  metric.Int64Counter
}

// Config holds Bus construction parameters.
type Config struct {
	Liveness         Liveness
	Limiter          *ratelimit.Limiter // nil disables the publish quota
	PublishLimit     int
	PublishWindow    time.Duration
	SubscriberBuffer int
	Logger           *slog.Logger
}

// New creates a Bus.
func New(cfg Config) *Bus {
	meter := telemetry.Meter("renkei/bus")
	published, _ := meter.Int64Counter("renkei.bus.published",
		metric.WithDescription("Events accepted onto the bus"))
	dropped, _ := meter.Int64Counter("renkei.bus.dropped",
		metric.WithDescription("Events dropped from full subscriber buffers"))
	rejected, _ := meter.Int64Counter("renkei.bus.rejected",
		metric.WithDescription("Publish calls rejected before fan-out"))

	return &Bus{
		liveness:  cfg.Liveness,
		limiter:   cfg.Limiter,
		rule:      ratelimit.Rule{Prefix: "publish", Limit: cfg.PublishLimit, Window: cfg.PublishWindow},
		bufSize:   cfg.SubscriberBuffer,
		logger:    cfg.Logger,
		subs:      make(map[string]*Subscription),
		seqs:      make(map[string]*sourceSeq),
		published: published,
		dropped:   dropped,
		rejected:  rejected,
	}
}

// Publish accepts one event from a session and fans it out to every
// subscription whose filter matches. The source must be a currently
// active or stale session and within its publish quota; a rejected call
// delivers to no subscriber at all.
func (b *Bus) Publish(ctx context.Context, sourceID uuid.UUID, eventType string, payload map[string]any) (model.Event, error) {
	if !b.liveness.Alive(sourceID) {
		b.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "forbidden")))
		return model.Event{}, ErrForbidden
	}

	if b.limiter != nil {
		res := b.limiter.Allow(ctx, b.rule, sourceID.String())
		if !res.Allowed {
			b.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
			return model.Event{}, &RateLimitError{RetryAfter: res.RetryAfter()}
		}
	}

	return b.emit(ctx, sourceID.String(), eventType, payload), nil
}

// System emits a reserved lifecycle event on behalf of the registry,
// sweeper, or cache. System events bypass liveness and quota checks and
// travel the same fan-out path as caller events, so every consumer
// observes a single consistent timeline.
func (b *Bus) System(eventType, sessionID string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["session_id"] = sessionID

	b.emit(context.Background(), model.SystemSource, eventType, payload)
}

// Subscribe creates the session's delivery channel. A session has exactly
// one subscription at a time: a new one closes and replaces the prior.
func (b *Bus) Subscribe(sessionID uuid.UUID, filter []string) (*Subscription, error) {
	if !b.liveness.Alive(sessionID) {
		return nil, ErrNotFound
	}

	sub := newSubscription(sessionID.String(), filter, b.bufSize)

	b.mu.Lock()
	prior := b.subs[sub.sessionID]
	b.subs[sub.sessionID] = sub
	b.mu.Unlock()

	if prior != nil {
		prior.close()
		b.logger.Debug("subscription replaced", "session_id", sessionID)
	}
	return sub, nil
}

// Unsubscribe tears down the session's subscription, if any. Called on
// client disconnect and by the sweeper when a session expires.
func (b *Bus) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	if sub != nil {
		sub.close()
	}
}

// Release removes the subscription only if it is still the session's
// current one. Used by a stream handler on teardown so it cannot tear
// down a replacement created by a newer stream.
func (b *Bus) Release(sub *Subscription) {
	b.mu.Lock()
	if b.subs[sub.sessionID] == sub {
		delete(b.subs, sub.sessionID)
	}
	b.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// sourceSeq serializes the publish path for one source. Its mutex is
// held across both sequence assignment and fan-out: if they were
// separate critical sections, two concurrent publishes from the same
// source could enqueue out of sequence order.
type sourceSeq struct {
	mu  sync.Mutex
	seq int64
}

// emit assigns the next sequence for the source and fans the event out,
// all under the source's lock. Distinct sources proceed in parallel.
func (b *Bus) emit(ctx context.Context, source, eventType string, payload map[string]any) model.Event {
	ss := b.sourceState(source)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.seq++
	ev := model.Event{
		Type:            eventType,
		SourceSessionID: source,
		Sequence:        ss.seq,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
	}
	b.fanOut(ctx, ev)
	return ev
}

func (b *Bus) sourceState(source string) *sourceSeq {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	ss := b.seqs[source]
	if ss == nil {
		ss = &sourceSeq{}
		b.seqs[source] = ss
	}
	return ss
}

// fanOut enqueues the event into every matching subscription without ever
// waiting on a subscriber. The read lock is only held to walk the map;
// each enqueue synchronizes on the subscription's own lock.
func (b *Bus) fanOut(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var droppedTotal int64
	for _, sub := range targets {
		if sub.enqueue(ev) {
			droppedTotal++
		}
	}

	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	if droppedTotal > 0 {
		b.dropped.Add(ctx, droppedTotal)
	}
}
