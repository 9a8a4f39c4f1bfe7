// Package model defines the core domain types and API envelopes for renkei.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the liveness state of a registered session.
type SessionStatus string

const (
	// StatusActive means the session heartbeated within the stale threshold.
	StatusActive SessionStatus = "active"
	// StatusStale means the heartbeat lapsed but the session is still
	// within its grace window and can recover with a fresh heartbeat.
	StatusStale SessionStatus = "stale"
	// StatusExpired is terminal. Expired sessions are removed from the
	// registry and can never transition back.
	StatusExpired SessionStatus = "expired"
)

// Session is a registered live participant on the coordination bus.
type Session struct {
	ID              uuid.UUID     `json:"session_id"`
	DisplayName     string        `json:"display_name"`
	ParticipantKind string        `json:"participant_kind"`
	Status          SessionStatus `json:"status"`
	CurrentTask     string        `json:"current_task,omitempty"`
	InterestTags    []string      `json:"interest_tags,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
}

// Field length limits for caller-supplied session fields. These bound the
// memory a single registration can pin in the registry and keep list
// responses cheap to serialize.
const (
	MaxDisplayNameLen     = 200
	MaxParticipantKindLen = 64
	MaxCurrentTaskLen     = 4 * 1024
	MaxInterestTags       = 32
	MaxInterestTagLen     = 64
)

var tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateDisplayName checks the registration display name.
// display_name is intentionally non-unique: identity lives only in the
// generated session_id.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display_name is required")
	}
	if len(name) > MaxDisplayNameLen {
		return fmt.Errorf("display_name exceeds maximum length of %d characters", MaxDisplayNameLen)
	}
	return nil
}

// ValidateParticipantKind checks the free-form participant kind tag.
func ValidateParticipantKind(kind string) error {
	if len(kind) > MaxParticipantKindLen {
		return fmt.Errorf("participant_kind exceeds maximum length of %d characters", MaxParticipantKindLen)
	}
	return nil
}

// ValidateCurrentTask checks an owner-authored task description.
func ValidateCurrentTask(task string) error {
	if len(task) > MaxCurrentTaskLen {
		return fmt.Errorf("current_task exceeds maximum length of %d bytes", MaxCurrentTaskLen)
	}
	return nil
}

// ValidateInterestTags checks the coarse event-filtering tag set.
func ValidateInterestTags(tags []string) error {
	if len(tags) > MaxInterestTags {
		return fmt.Errorf("at most %d interest_tags allowed", MaxInterestTags)
	}
	for i, tag := range tags {
		if tag == "" {
			return fmt.Errorf("interest_tags[%d] is empty", i)
		}
		if len(tag) > MaxInterestTagLen {
			return fmt.Errorf("interest_tags[%d] exceeds maximum length of %d characters", i, MaxInterestTagLen)
		}
		if !tagPattern.MatchString(tag) {
			return fmt.Errorf("interest_tags[%d] contains invalid characters (allowed: lowercase alphanumerics, '.', '_', '-')", i)
		}
	}
	return nil
}

// HasAllTags reports whether the session carries every tag in want.
// An empty want matches any session.
func (s Session) HasAllTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range s.InterestTags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Alive reports whether the session may still publish and subscribe.
// Stale sessions are alive: they lapsed a heartbeat but have not passed
// the expiry grace window.
func (s Session) Alive() bool {
	return s.Status == StatusActive || s.Status == StatusStale
}
