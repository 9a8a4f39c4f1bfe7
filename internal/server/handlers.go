package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/renkei/internal/auth"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/registry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry            *registry.Registry
	bus                 *bus.Bus
	cache               *contextcache.Cache
	tokens              *auth.TokenManager
	registrationKeyHash string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	contentBackend      string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache, OpenAPISpec.
type HandlersDeps struct {
	Registry            *registry.Registry
	Bus                 *bus.Bus
	Cache               *contextcache.Cache
	Tokens              *auth.TokenManager
	RegistrationKeyHash string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	ContentBackend      string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		registry:            d.Registry,
		bus:                 d.Bus,
		cache:               d.Cache,
		tokens:              d.Tokens,
		registrationKeyHash: d.RegistrationKeyHash,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		contentBackend:      d.ContentBackend,
	}
}

// streamPath is where a registered session connects its event stream.
const streamPath = "/v1/events/stream"

// HandleRegister handles POST /v1/sessions.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.registrationKeyHash != "" {
		ok, err := auth.VerifyRegistrationKey(req.RegistrationKey, h.registrationKeyHash)
		if err != nil || !ok {
			if err != nil {
				h.logger.Error("registration key verify failed", "error", err)
			}
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid registration key")
			return
		}
	} else if req.RegistrationKey != "" {
		// Equalize timing whether or not a key is configured.
		auth.DummyVerify()
	}

	if err := model.ValidateDisplayName(req.DisplayName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if err := model.ValidateParticipantKind(req.ParticipantKind); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if err := model.ValidateInterestTags(req.InterestTags); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	session, err := h.registry.Register(req.DisplayName, req.ParticipantKind, req.InterestTags)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	token, expiresAt, err := h.tokens.IssueToken(session.ID, session.DisplayName, session.ParticipantKind)
	if err != nil {
		h.logger.Error("issue session token failed", "error", err, "session_id", session.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue session token")
		return
	}

	h.bus.System(model.EventSessionStarted, session.ID.String(), map[string]any{
		"display_name":     session.DisplayName,
		"participant_kind": session.ParticipantKind,
	})

	writeJSON(w, r, http.StatusCreated, model.RegisterResponse{
		Session:      session,
		SessionToken: token,
		TokenExpires: expiresAt,
		StreamPath:   streamPath,
	})
}

// HandleHeartbeat handles POST /v1/sessions/{session_id}/heartbeat.
// Body-less; the session is identified by path and proven by token.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	session, err := h.registry.Heartbeat(claims.SessionID())
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found or expired")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "heartbeat failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.HeartbeatResponse{
		Status:          session.Status,
		LastHeartbeatAt: session.LastHeartbeatAt,
	})
}

// HandleUpdateSession handles PATCH /v1/sessions/{session_id}.
func (h *Handlers) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.CurrentTask != nil {
		if err := model.ValidateCurrentTask(*req.CurrentTask); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}
	if req.InterestTags != nil {
		if err := model.ValidateInterestTags(*req.InterestTags); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}

	claims := ClaimsFromContext(r.Context())
	session, err := h.registry.Update(claims.SessionID(), req.CurrentTask, req.InterestTags)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found or expired")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update failed")
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

// HandleListSessions handles GET /v1/sessions. The optional tags query
// parameter AND-filters by interest tags.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	sessions := h.registry.List(tags)
	writeJSON(w, r, http.StatusOK, model.SessionListResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// HandlePublish handles POST /v1/events.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req model.PublishRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if req.SessionID != claims.SessionID() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "session_id does not match token")
		return
	}

	if err := model.ValidateEventType(req.EventType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil || len(encoded) > model.MaxPayloadBytes {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument,
				fmt.Sprintf("payload exceeds %d bytes", model.MaxPayloadBytes))
			return
		}
	}

	event, err := h.bus.Publish(r.Context(), req.SessionID, req.EventType, req.Payload)
	if err != nil {
		var rle *bus.RateLimitError
		switch {
		case errors.As(err, &rle):
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "publish quota exceeded")
		case errors.Is(err, bus.ErrForbidden):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "session is not alive")
		default:
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "publish failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.PublishResponse{
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp,
	})
}

// HandleQueryContext handles POST /v1/context/query.
func (h *Handlers) HandleQueryContext(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "no content source configured")
		return
	}

	var req model.QueryContextRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateContextQuery(req.Query, req.Filters); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	result, err := h.cache.Query(r.Context(), req.Query, req.Filters)
	if err != nil {
		if errors.Is(err, contextcache.ErrUpstream) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "content source unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "context query failed")
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Sessions:      h.registry.Len(),
		Subscribers:   h.bus.Subscribers(),
		ContentSource: h.contentBackend,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
