package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/registry"
)

func newTestServer(t *testing.T, cache *contextcache.Cache) (*Server, *registry.Registry, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(logger)
	b := bus.New(bus.Config{
		Liveness:         reg,
		SubscriberBuffer: 16,
		Logger:           logger,
	})
	return New(reg, b, cache, logger), reg, b
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return text.Text
}

func TestListSessionsTool(t *testing.T) {
	srv, reg, _ := newTestServer(t, nil)
	_, err := reg.Register("builder-1", "agent", []string{"deploy"})
	require.NoError(t, err)
	_, err = reg.Register("writer-1", "agent", []string{"docs"})
	require.NoError(t, err)

	result, err := srv.handleListSessions(context.Background(),
		callRequest("renkei_list_sessions", map[string]any{"tags": "deploy"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Sessions []model.Session `json:"sessions"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	require.Equal(t, 1, parsed.Count)
	assert.Equal(t, "builder-1", parsed.Sessions[0].DisplayName)
}

func TestPublishEventTool(t *testing.T) {
	srv, reg, _ := newTestServer(t, nil)
	session, err := reg.Register("builder-1", "agent", nil)
	require.NoError(t, err)

	result, err := srv.handlePublishEvent(context.Background(),
		callRequest("renkei_publish_event", map[string]any{
			"session_id": session.ID.String(),
			"event_type": "task.progress",
			"payload":    `{"step": 3}`,
		}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var parsed struct {
		Sequence int64  `json:"sequence"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.Equal(t, int64(1), parsed.Sequence)
	assert.Equal(t, "published", parsed.Status)
}

func TestPublishEventToolRejectsBadInput(t *testing.T) {
	srv, reg, _ := newTestServer(t, nil)
	session, err := reg.Register("builder-1", "agent", nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "bad uuid", args: map[string]any{"session_id": "nope", "event_type": "task.progress"}},
		{name: "un-namespaced type", args: map[string]any{"session_id": session.ID.String(), "event_type": "progress"}},
		{name: "reserved type", args: map[string]any{"session_id": session.ID.String(), "event_type": "session.started"}},
		{name: "payload not an object", args: map[string]any{"session_id": session.ID.String(), "event_type": "task.progress", "payload": "[1,2]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handlePublishEvent(context.Background(),
				callRequest("renkei_publish_event", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestPublishEventToolUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	result, err := srv.handlePublishEvent(context.Background(),
		callRequest("renkei_publish_event", map[string]any{
			"session_id": "6b9f04a4-9fbb-4f39-9c2f-0e9ad2f3a111",
			"event_type": "task.progress",
		}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not alive")
}

func TestQueryContextToolWithoutSource(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	result, err := srv.handleQueryContext(context.Background(),
		callRequest("renkei_query_context", map[string]any{"query": "deploy plan"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no content source")
}

func TestQueryContextTool(t *testing.T) {
	cache := contextcache.New(contextcache.Config{
		Source:       fixedSource{},
		Capacity:     8,
		TTL:          time.Minute,
		FetchTimeout: time.Second,
		ResultLimit:  10,
		Logger:       slog.New(slog.DiscardHandler),
	})
	srv, _, _ := newTestServer(t, cache)

	result, err := srv.handleQueryContext(context.Background(),
		callRequest("renkei_query_context", map[string]any{"query": "deploy plan"}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var parsed model.ContextResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	require.Len(t, parsed.Items, 1)
	assert.Equal(t, "doc-1", parsed.Items[0].Identifier)
}

func TestSessionsResource(t *testing.T) {
	srv, reg, _ := newTestServer(t, nil)
	_, err := reg.Register("builder-1", "agent", nil)
	require.NoError(t, err)

	contents, err := srv.handleSessionsResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "renkei://sessions"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "renkei://sessions", text.URI)
	assert.Contains(t, text.Text, "builder-1")
}

type fixedSource struct{}

func (fixedSource) Fetch(context.Context, string, map[string]string, int) ([]model.ContextItem, error) {
	return []model.ContextItem{{
		Identifier:      "doc-1",
		Excerpt:         "deploy plan excerpt",
		RelevanceScore:  0.8,
		SourceUpdatedAt: time.Now(),
	}}, nil
}
func (fixedSource) Healthy(context.Context) error { return nil }
func (fixedSource) Close() error                  { return nil }
