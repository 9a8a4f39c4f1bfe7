package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Reserved event types emitted by the registry, sweeper, and cache through
// the broadcast bus, so every consumer observes one consistent timeline
// for session lifecycle and cache activity.
const (
	EventSessionStarted = "session.started"
	EventSessionStale   = "session.stale"
	EventSessionExpired = "session.expired"
	EventContextRefresh = "context.refreshed"
)

// SystemSource is the source identifier carried by reserved events.
// It is never a valid session id, so callers cannot spoof it.
const SystemSource = "system"

// MaxEventTypeLen bounds the namespaced event type string.
const MaxEventTypeLen = 128

// MaxPayloadBytes bounds the encoded size of a published payload.
// Payloads are held in every matching subscriber's delivery buffer, so an
// oversized payload multiplies across the fan-out.
const MaxPayloadBytes = 32 * 1024

// eventTypePattern: lowercase dot-namespaced segments, e.g. "task.started".
var eventTypePattern = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)

// Event is a unit published to the broadcast bus. Events live only in
// per-subscriber delivery buffers and are never persisted.
type Event struct {
	Type            string         `json:"event_type"`
	SourceSessionID string         `json:"source_session_id"`
	Sequence        int64          `json:"sequence"`
	Timestamp       time.Time      `json:"timestamp"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// ValidateEventType checks that a caller-supplied event type is namespaced
// (at least two dot-separated segments) and within length limits.
// The "session." and "context." namespaces are reserved for internally
// emitted events and rejected for callers.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(eventType) > MaxEventTypeLen {
		return fmt.Errorf("event_type exceeds maximum length of %d characters", MaxEventTypeLen)
	}
	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("event_type must be dot-namespaced lowercase segments (e.g. %q)", "task.started")
	}
	if ReservedEventType(eventType) {
		return fmt.Errorf("event_type namespace %q is reserved", eventType[:strings.Index(eventType, ".")+1])
	}
	return nil
}

// ReservedEventType reports whether the event type belongs to the
// internally emitted namespaces.
func ReservedEventType(eventType string) bool {
	return strings.HasPrefix(eventType, "session.") || strings.HasPrefix(eventType, "context.")
}
