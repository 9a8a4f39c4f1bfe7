package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/auth"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/ratelimit"
	"github.com/ashita-ai/renkei/internal/registry"
)

type testEnv struct {
	server   *Server
	registry *registry.Registry
	bus      *bus.Bus
	tokens   *auth.TokenManager
}

type envOption func(*ServerConfig)

func withRegistrationKeyHash(hash string) envOption {
	return func(cfg *ServerConfig) { cfg.RegistrationKeyHash = hash }
}

func withCache(c *contextcache.Cache) envOption {
	return func(cfg *ServerConfig) { cfg.Cache = c }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	reg := registry.New(logger)
	b := bus.New(bus.Config{
		Liveness:         reg,
		PublishLimit:     100,
		PublishWindow:    time.Minute,
		SubscriberBuffer: 16,
		Logger:           logger,
	})
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	cfg := ServerConfig{
		Registry:            reg,
		Bus:                 b,
		Tokens:              tokens,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testEnv{server: New(cfg), registry: reg, bus: b, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// register creates a session through the API and returns it with its token.
func (e *testEnv) register(t *testing.T, name string, tags ...string) (model.Session, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName:  name,
		InterestTags: tags,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var env struct {
		Data model.RegisterResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data.Session, env.Data.SessionToken
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestRegisterReturnsSessionAndToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName:     "builder-1",
		ParticipantKind: "agent",
		InterestTags:    []string{"deploy"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var envlp struct {
		Data model.RegisterResponse `json:"data"`
		Meta model.ResponseMeta     `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	assert.Equal(t, "builder-1", envlp.Data.Session.DisplayName)
	assert.Equal(t, model.StatusActive, envlp.Data.Session.Status)
	assert.NotEmpty(t, envlp.Data.SessionToken)
	assert.Equal(t, "/v1/events/stream", envlp.Data.StreamPath)
	assert.NotEmpty(t, envlp.Meta.RequestID)

	// The token is immediately usable against protected routes.
	rec = env.do(t, http.MethodGet, "/v1/sessions", envlp.Data.SessionToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{DisplayName: "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidArgument, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName:  "builder-1",
		InterestTags: []string{"bad tag with spaces"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterWithRegistrationKey(t *testing.T) {
	hash, err := auth.HashRegistrationKey("open-sesame")
	require.NoError(t, err)
	env := newTestEnv(t, withRegistrationKeyHash(hash))

	rec := env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName:     "builder-1",
		RegistrationKey: "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName:     "builder-1",
		RegistrationKey: "open-sesame",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/events", "garbage-token", model.PublishRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+session.ID.String()+"/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envlp struct {
		Data model.HeartbeatResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	assert.Equal(t, model.StatusActive, envlp.Data.Status)
	assert.False(t, envlp.Data.LastHeartbeatAt.IsZero())
}

func TestHeartbeatOtherSessionForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "builder-1")
	other, _ := env.register(t, "builder-2")

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+other.ID.String()+"/heartbeat", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, rec))
}

func TestHeartbeatExpiredSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")
	env.registry.Expire(session.ID)

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+session.ID.String()+"/heartbeat", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeErrorCode(t, rec))
}

func TestUpdateSession(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")

	task := "rolling out v2"
	rec := env.do(t, http.MethodPatch, "/v1/sessions/"+session.ID.String(), token,
		model.UpdateSessionRequest{CurrentTask: &task})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envlp struct {
		Data model.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	assert.Equal(t, task, envlp.Data.CurrentTask)
}

func TestListSessionsTagFilter(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "builder-1", "deploy", "infra")
	env.register(t, "builder-2", "docs")

	rec := env.do(t, http.MethodGet, "/v1/sessions?tags=deploy", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envlp struct {
		Data model.SessionListResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	require.Equal(t, 1, envlp.Data.Count)
	assert.Equal(t, "builder-1", envlp.Data.Sessions[0].DisplayName)
}

func TestPublishAssignsSequences(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")

	for want := int64(1); want <= 3; want++ {
		rec := env.do(t, http.MethodPost, "/v1/events", token, model.PublishRequest{
			SessionID: session.ID,
			EventType: "task.progress",
			Payload:   map[string]any{"step": want},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var envlp struct {
			Data model.PublishResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
		assert.Equal(t, want, envlp.Data.Sequence)
	}
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")

	// Un-namespaced type.
	rec := env.do(t, http.MethodPost, "/v1/events", token, model.PublishRequest{
		SessionID: session.ID,
		EventType: "progress",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidArgument, decodeErrorCode(t, rec))

	// Reserved namespace.
	rec = env.do(t, http.MethodPost, "/v1/events", token, model.PublishRequest{
		SessionID: session.ID,
		EventType: "session.started",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishForOtherSessionForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "builder-1")
	other, _ := env.register(t, "builder-2")

	rec := env.do(t, http.MethodPost, "/v1/events", token, model.PublishRequest{
		SessionID: other.ID,
		EventType: "task.progress",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, rec))
}

func TestPublishExpiredSessionForbidden(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")
	env.registry.Expire(session.ID)

	rec := env.do(t, http.MethodPost, "/v1/events", token, model.PublishRequest{
		SessionID: session.ID,
		EventType: "task.progress",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublishRateLimited(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(logger)
	b := bus.New(bus.Config{
		Liveness:         reg,
		Limiter:          newPublishLimiter(t),
		PublishLimit:     2,
		PublishWindow:    time.Minute,
		SubscriberBuffer: 16,
		Logger:           logger,
	})
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		server: New(ServerConfig{
			Registry:            reg,
			Bus:                 b,
			Tokens:              tokens,
			Logger:              logger,
			Version:             "test",
			MaxRequestBodyBytes: 1 << 20,
		}),
		registry: reg, bus: b, tokens: tokens,
	}

	session, token := env.register(t, "chatty")
	req := model.PublishRequest{SessionID: session.ID, EventType: "task.progress"}

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/events", token, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/events", token, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeErrorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestQueryContextWithoutSource(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "builder-1")

	rec := env.do(t, http.MethodPost, "/v1/context/query", token, model.QueryContextRequest{Query: "deploy plan"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeUpstreamUnavailable, decodeErrorCode(t, rec))
}

func TestQueryContextValidation(t *testing.T) {
	cache := contextcache.New(contextcache.Config{
		Source:       staticSource{},
		Capacity:     8,
		TTL:          time.Minute,
		FetchTimeout: time.Second,
		ResultLimit:  10,
		Logger:       slog.New(slog.DiscardHandler),
	})
	env := newTestEnv(t, withCache(cache))
	_, token := env.register(t, "builder-1")

	rec := env.do(t, http.MethodPost, "/v1/context/query", token, model.QueryContextRequest{Query: "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidArgument, decodeErrorCode(t, rec))
}

func TestQueryContextReturnsItems(t *testing.T) {
	cache := contextcache.New(contextcache.Config{
		Source:       staticSource{},
		Capacity:     8,
		TTL:          time.Minute,
		FetchTimeout: time.Second,
		ResultLimit:  10,
		Logger:       slog.New(slog.DiscardHandler),
	})
	env := newTestEnv(t, withCache(cache))
	_, token := env.register(t, "builder-1")

	rec := env.do(t, http.MethodPost, "/v1/context/query", token, model.QueryContextRequest{Query: "deploy plan"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envlp struct {
		Data model.ContextResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	require.Len(t, envlp.Data.Items, 1)
	assert.Equal(t, "doc-1", envlp.Data.Items[0].Identifier)
	assert.False(t, envlp.Data.Stale)
}

// staticSource always returns one document.
type staticSource struct{}

func (staticSource) Fetch(context.Context, string, map[string]string, int) ([]model.ContextItem, error) {
	return []model.ContextItem{{
		Identifier:      "doc-1",
		Excerpt:         "deploy plan excerpt",
		RelevanceScore:  0.9,
		SourceUpdatedAt: time.Now(),
	}}, nil
}
func (staticSource) Healthy(context.Context) error { return nil }
func (staticSource) Close() error                  { return nil }

func newPublishLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.New()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "builder-1")

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envlp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	assert.Equal(t, "healthy", envlp.Data.Status)
	assert.Equal(t, 1, envlp.Data.Sessions)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))

	var envlp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	assert.Equal(t, "req-abc-123", envlp.Meta.RequestID)
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	_, listenerToken := env.register(t, "listener", "deploy")
	publisher, publisherToken := env.register(t, "publisher")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/events/stream?filter=task.*", nil)
	require.NoError(t, err)
	streamReq.Header.Set("Authorization", "Bearer "+listenerToken)

	resp, err := http.DefaultClient.Do(streamReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait until the subscription is registered before publishing.
	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 },
		2*time.Second, 10*time.Millisecond)

	// One matching and one filtered-out event.
	for _, eventType := range []string{"task.progress", "chat.message"} {
		body, merr := json.Marshal(model.PublishRequest{
			SessionID: publisher.ID,
			EventType: eventType,
			Payload:   map[string]any{"note": "hello"},
		})
		require.NoError(t, merr)
		pubReq, perr := http.NewRequest(http.MethodPost, ts.URL+"/v1/events", bytes.NewReader(body))
		require.NoError(t, perr)
		pubReq.Header.Set("Authorization", "Bearer "+publisherToken)
		pubResp, perr := http.DefaultClient.Do(pubReq)
		require.NoError(t, perr)
		require.Equal(t, http.StatusOK, pubResp.StatusCode)
		pubResp.Body.Close()
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.Equal(t, "event: task.progress", eventLine)

	var got model.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &got))
	assert.Equal(t, "task.progress", got.Type)
	assert.Equal(t, publisher.ID.String(), got.SourceSessionID)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Equal(t, "hello", got.Payload["note"])
}

func TestStreamRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	session, token := env.register(t, "builder-1")
	env.registry.Expire(session.ID)

	rec := env.do(t, http.MethodGet, "/v1/events/stream", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidSessionIDInPath(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "builder-1")

	rec := env.do(t, http.MethodPost, "/v1/sessions/not-a-uuid/heartbeat", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidArgument, decodeErrorCode(t, rec))
}

func TestBodySizeLimit(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(logger)
	b := bus.New(bus.Config{Liveness: reg, SubscriberBuffer: 16, Logger: logger})
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		server: New(ServerConfig{
			Registry:            reg,
			Bus:                 b,
			Tokens:              tokens,
			Logger:              logger,
			Version:             "test",
			MaxRequestBodyBytes: 64,
		}),
		registry: reg, bus: b, tokens: tokens,
	}

	rec := env.do(t, http.MethodPost, "/v1/sessions", "", model.RegisterRequest{
		DisplayName: strings.Repeat("x", 128),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
