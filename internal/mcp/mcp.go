// Package mcp implements the Model Context Protocol surface for Renkei.
//
// The MCP server exposes the coordination primitives as tools and
// resources so MCP-compatible agents can see who else is live, announce
// events, and pull shared context without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/registry"
)

// Server wraps the MCP server with Renkei's coordination layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *registry.Registry
	bus       *bus.Bus
	cache     *contextcache.Cache // nil when no content source is configured
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(reg *registry.Registry, b *bus.Bus, cache *contextcache.Cache, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		bus:      b,
		cache:    cache,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"renkei",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// renkei://sessions: the live session roster.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"renkei://sessions",
			"Live Sessions",
			mcplib.WithResourceDescription("All currently active and stale sessions with their tasks and interest tags"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)
}

func (s *Server) registerTools() {
	// renkei_list_sessions: who else is live right now.
	s.mcpServer.AddTool(
		mcplib.NewTool("renkei_list_sessions",
			mcplib.WithDescription(`List the sessions currently coordinating through this bus.

WHEN TO USE: Before picking up work, to see who else is live, what they
are working on, and which topics they care about. Stale sessions are
included; they missed a heartbeat but have not expired yet.

Filter by interest tags to find collaborators on a topic: sessions
matching ALL given tags are returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tags",
				mcplib.Description("Optional comma-separated interest tags; sessions must carry all of them"),
			),
		),
		s.handleListSessions,
	)

	// renkei_publish_event: announce something to everyone listening.
	s.mcpServer.AddTool(
		mcplib.NewTool("renkei_publish_event",
			mcplib.WithDescription(`Broadcast an event to every session whose filter matches.

WHEN TO USE: After completing a unit of work, changing direction, or
discovering something other sessions should know about.

Event types are dot-namespaced lowercase, e.g. "task.progress",
"chat.message", "build.failed". The "session." and "context." namespaces
are reserved for the coordinator itself.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("Your session identifier (the publishing session)"),
				mcplib.Required(),
			),
			mcplib.WithString("event_type",
				mcplib.Description("Dot-namespaced event type, e.g. task.progress"),
				mcplib.Required(),
			),
			mcplib.WithString("payload",
				mcplib.Description("Optional JSON object with event details"),
			),
		),
		s.handlePublishEvent,
	)

	// renkei_query_context: shared background knowledge for a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("renkei_query_context",
			mcplib.WithDescription(`Query the shared context store for documents relevant to a task.

WHEN TO USE: When starting work on an unfamiliar area, to pull the
background other sessions rely on. Results are cached; a "stale": true
answer is still usable and a refresh is already underway.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of what you need context on"),
				mcplib.Required(),
			),
			mcplib.WithString("source",
				mcplib.Description("Optional: restrict to one document source"),
			),
		),
		s.handleQueryContext,
	)
}

func (s *Server) handleSessionsResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessions := s.registry.List(nil)

	data, err := json.MarshalIndent(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleListSessions(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var tags []string
	if raw := request.GetString("tags", ""); raw != "" {
		tags = splitTags(raw)
	}

	sessions := s.registry.List(tags)
	data, _ := json.MarshalIndent(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func (s *Server) handlePublishEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a valid UUID"), nil
	}

	eventType := request.GetString("event_type", "")
	if err := model.ValidateEventType(eventType); err != nil {
		return errorResult(err.Error()), nil
	}

	var payload map[string]any
	if raw := request.GetString("payload", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return errorResult("payload must be a JSON object"), nil
		}
	}

	event, err := s.bus.Publish(ctx, sessionID, eventType, payload)
	if err != nil {
		var rle *bus.RateLimitError
		switch {
		case errors.As(err, &rle):
			return errorResult(fmt.Sprintf("publish quota exceeded, retry after %s", rle.RetryAfter)), nil
		case errors.Is(err, bus.ErrForbidden):
			return errorResult("session is not alive; register or heartbeat first"), nil
		default:
			return errorResult(fmt.Sprintf("publish failed: %v", err)), nil
		}
	}

	data, _ := json.Marshal(map[string]any{
		"sequence":  event.Sequence,
		"timestamp": event.Timestamp,
		"status":    "published",
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func (s *Server) handleQueryContext(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.cache == nil {
		return errorResult("no content source configured"), nil
	}

	query := request.GetString("query", "")
	var filters map[string]string
	if src := request.GetString("source", ""); src != "" {
		filters = map[string]string{"source": src}
	}
	if err := model.ValidateContextQuery(query, filters); err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := s.cache.Query(ctx, query, filters)
	if err != nil {
		if errors.Is(err, contextcache.ErrUpstream) {
			return errorResult("content source unavailable"), nil
		}
		return errorResult(fmt.Sprintf("context query failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
