// Package registry tracks every live participant on the coordination bus.
//
// The Registry is the single source of truth for session liveness: the
// broadcast bus and the gateway consult it instead of caching liveness
// themselves, so "registered" and "subscribable" can never disagree.
// Owner-authored fields (current_task, interest_tags) are mutated only
// through the owning caller's operations; status transitions are the
// sweeper's alone.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
)

// ErrNotFound is returned when a session id is unknown or already expired.
var ErrNotFound = errors.New("registry: session not found")

// record pairs a session with its own lock so one session's heartbeat
// never contends with another's. The registry-level lock only guards the
// map itself (insert, delete, iterate).
type record struct {
	mu sync.Mutex
	s  model.Session
}

// snapshot copies the session under the record lock.
func (r *record) snapshot() model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.s
	s.InterestTags = append([]string(nil), r.s.InterestTags...)
	return s
}

// Registry is a concurrent in-memory session store. Construct one per
// process with New and hand it by reference to the sweeper, bus, and
// gateway; there is deliberately no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*record
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*record),
		logger:   logger,
	}
}

// Register inserts a new active session and returns it. The caller has
// already validated the fields at the boundary; Register revalidates the
// display name as a defense against internal callers.
func (r *Registry) Register(displayName, participantKind string, interestTags []string) (model.Session, error) {
	if err := model.ValidateDisplayName(displayName); err != nil {
		return model.Session{}, err
	}

	now := time.Now().UTC()
	s := model.Session{
		ID:              uuid.New(),
		DisplayName:     displayName,
		ParticipantKind: participantKind,
		Status:          model.StatusActive,
		InterestTags:    append([]string(nil), interestTags...),
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = &record{s: s}
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", s.ID,
		"display_name", displayName,
		"participant_kind", participantKind,
	)
	return s, nil
}

// Heartbeat refreshes the session's liveness timestamp and revives a
// stale session back to active. last_heartbeat_at is monotonically
// non-decreasing: a clock-skewed refresh never rewinds it.
func (r *Registry) Heartbeat(id uuid.UUID) (model.Session, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return model.Session{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.s.Status == model.StatusExpired {
		return model.Session{}, ErrNotFound
	}
	if now := time.Now().UTC(); now.After(rec.s.LastHeartbeatAt) {
		rec.s.LastHeartbeatAt = now
	}
	if rec.s.Status == model.StatusStale {
		rec.s.Status = model.StatusActive
	}
	return rec.s, nil
}

// Update mutates the owner-authored fields. Nil fields are untouched and
// heartbeat timing is never affected.
func (r *Registry) Update(id uuid.UUID, currentTask *string, interestTags *[]string) (model.Session, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return model.Session{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.s.Status == model.StatusExpired {
		return model.Session{}, ErrNotFound
	}
	if currentTask != nil {
		rec.s.CurrentTask = *currentTask
	}
	if interestTags != nil {
		rec.s.InterestTags = append([]string(nil), (*interestTags)...)
	}
	s := rec.s
	s.InterestTags = append([]string(nil), rec.s.InterestTags...)
	return s, nil
}

// Get returns a point-in-time copy of the session.
func (r *Registry) Get(id uuid.UUID) (model.Session, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return model.Session{}, false
	}
	s := rec.snapshot()
	if s.Status == model.StatusExpired {
		return model.Session{}, false
	}
	return s, true
}

// Alive reports whether the session may publish and subscribe right now.
func (r *Registry) Alive(id uuid.UUID) bool {
	s, ok := r.Get(id)
	return ok && s.Alive()
}

// List returns a snapshot of sessions matching all given tags, ordered by
// creation time. An empty filter matches every active and stale session;
// expired sessions are never returned.
func (r *Registry) List(filterTags []string) []model.Session {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]model.Session, 0, len(recs))
	for _, rec := range recs {
		s := rec.snapshot()
		if s.Status == model.StatusExpired {
			continue
		}
		if !s.HasAllTags(filterTags) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Expire removes the session. Idempotent: expiring an unknown or already
// expired session is a no-op. Reports whether a session was removed.
// Internal-only: the sweeper is the sole caller in production.
func (r *Registry) Expire(id uuid.UUID) bool {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	// Expired is terminal: anyone still holding the record sees it.
	rec.mu.Lock()
	rec.s.Status = model.StatusExpired
	rec.mu.Unlock()
	return true
}

// Len returns the number of live (active or stale) sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep performs the two-phase liveness scan at time now: active sessions
// whose heartbeat lapsed past staleAfter turn stale; stale sessions whose
// heartbeat lapsed past expireAfter are removed. Returns the sessions that
// transitioned in each phase. Safe to run concurrently with reads and
// writes: each record transitions under its own lock, so no caller ever
// observes a half-updated session.
func (r *Registry) Sweep(now time.Time, staleAfter, expireAfter time.Duration) (wentStale, expired []model.Session) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var candidates []*record
	for _, rec := range recs {
		rec.mu.Lock()
		lapsed := now.Sub(rec.s.LastHeartbeatAt)
		switch {
		case rec.s.Status == model.StatusActive && lapsed > staleAfter:
			rec.s.Status = model.StatusStale
			wentStale = append(wentStale, rec.s)
		case rec.s.Status == model.StatusStale && lapsed > expireAfter:
			candidates = append(candidates, rec)
		}
		rec.mu.Unlock()
	}

	// A heartbeat may land between the scan and the delete and revive the
	// candidate; expiry re-verifies under the locks so an acknowledged
	// heartbeat is never followed by an expiry of the same session.
	for _, rec := range candidates {
		if s, ok := r.expireIfLapsed(rec, now, expireAfter); ok {
			expired = append(expired, s)
		}
	}
	return wentStale, expired
}

// expireIfLapsed removes the record only if it is still stale and past
// expireAfter. Holding both the map lock and the record lock makes the
// recheck and the delete atomic with respect to Heartbeat.
func (r *Registry) expireIfLapsed(rec *record, now time.Time, expireAfter time.Duration) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.s.Status != model.StatusStale || now.Sub(rec.s.LastHeartbeatAt) <= expireAfter {
		return model.Session{}, false
	}
	rec.s.Status = model.StatusExpired
	delete(r.sessions, rec.s.ID)

	s := rec.s
	s.InterestTags = append([]string(nil), rec.s.InterestTags...)
	return s, true
}

func (r *Registry) lookup(id uuid.UUID) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	return rec, ok
}
