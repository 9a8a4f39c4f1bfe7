package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/renkei/internal/auth"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/ratelimit"
	"github.com/ashita-ai/renkei/internal/registry"
)

// Server is the Renkei HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Cache, Limiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Registry *registry.Registry
	Bus      *bus.Bus
	Tokens   *auth.TokenManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Cache     *contextcache.Cache
	Limiter   *ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	RegistrationKeyHash string
	ContentBackend      string

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Bus:                 cfg.Bus,
		Cache:               cfg.Cache,
		Tokens:              cfg.Tokens,
		RegistrationKeyHash: cfg.RegistrationKeyHash,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		ContentBackend:      cfg.ContentBackend,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Registration is unauthenticated, so it gets an IP-keyed limit.
	// Context queries are bounded per session; publishing is quota-checked
	// inside the bus so a rejected publish and a rejected HTTP call share
	// one accounting.
	registerRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "register", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 120, Window: time.Minute,
	}, sessionKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Session lifecycle.
	mux.Handle("POST /v1/sessions", registerRL(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /v1/sessions/{session_id}/heartbeat", requireOwnSession(h.HandleHeartbeat))
	mux.Handle("PATCH /v1/sessions/{session_id}", requireOwnSession(h.HandleUpdateSession))
	mux.HandleFunc("GET /v1/sessions", h.HandleListSessions)

	// Event bus.
	mux.HandleFunc("POST /v1/events", h.HandlePublish)

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/events/stream", h.HandleStream)

	// Context queries.
	mux.Handle("POST /v1/context/query", queryRL(http.HandlerFunc(h.HandleQueryContext)))

	// MCP StreamableHTTP transport (session token required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID, security headers, tracing, logging, auth, recovery, handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Tokens, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// sessionKeyFunc extracts the session ID from the request context for
// rate limiting.
func sessionKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
