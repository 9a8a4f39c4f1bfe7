package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/renkei/internal/model"
)

const keepaliveInterval = 15 * time.Second

// HandleStream handles GET /v1/events/stream (SSE). The optional filter
// query parameter is a comma-separated list of event-type prefixes
// ("task.*,chat.message"); absent or "all" delivers everything. A session
// holds one stream at a time: reconnecting replaces the previous one.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	var filter []string
	if raw := r.URL.Query().Get("filter"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				filter = append(filter, f)
			}
		}
	}

	claims := ClaimsFromContext(r.Context())
	sub, err := h.bus.Subscribe(claims.SessionID(), filter)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found or expired")
		return
	}
	defer h.bus.Release(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h.logger.Info("event stream opened",
		"session_id", claims.Subject,
		"filter", filter,
		"request_id", RequestIDFromContext(r.Context()))

	ctx := r.Context()
	var reportedDrops int64
	for {
		idleCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
		event, err := sub.Next(idleCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// Client disconnected.
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Idle: keep the connection warm. The comment also carries
				// the drop count so a lagging consumer can tell it has gaps.
				line := ":keepalive"
				if d := sub.Dropped(); d > reportedDrops {
					line = fmt.Sprintf(":keepalive dropped=%d", d)
					reportedDrops = d
				}
				if _, werr := fmt.Fprintf(w, "%s\n\n", line); werr != nil {
					return
				}
				flusher.Flush()
				continue
			}
			// Subscription closed: the session expired or reconnected.
			return
		}

		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("marshal stream event failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
