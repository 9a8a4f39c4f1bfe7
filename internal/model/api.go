package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes. Every user-visible
// failure maps to one of these; internal detail never leaks into payloads.
const (
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// RegisterRequest is the request body for POST /v1/sessions.
type RegisterRequest struct {
	DisplayName     string   `json:"display_name"`
	ParticipantKind string   `json:"participant_kind,omitempty"`
	InterestTags    []string `json:"interest_tags,omitempty"`
	RegistrationKey string   `json:"registration_key,omitempty"`
}

// RegisterResponse is the response body for POST /v1/sessions.
type RegisterResponse struct {
	Session      Session   `json:"session"`
	SessionToken string    `json:"session_token"`
	TokenExpires time.Time `json:"token_expires_at"`
	StreamPath   string    `json:"stream_path"`
}

// UpdateSessionRequest is the request body for PATCH /v1/sessions/{session_id}.
// Nil fields are left untouched; heartbeat timing is never affected.
type UpdateSessionRequest struct {
	CurrentTask  *string   `json:"current_task,omitempty"`
	InterestTags *[]string `json:"interest_tags,omitempty"`
}

// PublishRequest is the request body for POST /v1/events.
type PublishRequest struct {
	SessionID uuid.UUID      `json:"session_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PublishResponse is the response body for POST /v1/events.
type PublishResponse struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryContextRequest is the request body for POST /v1/context/query.
type QueryContextRequest struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// HeartbeatResponse is the response body for heartbeat calls.
type HeartbeatResponse struct {
	Status          SessionStatus `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
}

// SessionListResponse is the response body for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Count    int       `json:"count"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Sessions      int    `json:"sessions"`
	Subscribers   int    `json:"subscribers"`
	ContentSource string `json:"content_source,omitempty"`
	Uptime        int64  `json:"uptime_seconds"`
}
