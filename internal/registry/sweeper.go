package registry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// Publisher is the slice of the broadcast bus the sweeper needs to emit
// session lifecycle events on the shared timeline.
type Publisher interface {
	System(eventType, sessionID string, payload map[string]any)
}

// SubscriptionCloser tears down an expired session's delivery channel.
type SubscriptionCloser interface {
	Unsubscribe(sessionID string)
}

// Sweeper periodically scans the registry, flips lapsed sessions to stale,
// and evicts sessions whose staleness exceeded the expiry grace window.
// It runs on its own schedule, independent of request traffic.
type Sweeper struct {
	reg    *Registry
	bus    Publisher
	subs   SubscriptionCloser
	logger *slog.Logger

	interval    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration

	staleCounter   metric.Int64Counter
	expiredCounter metric.Int64Counter
}

// NewSweeper creates a Sweeper. Thresholds must satisfy
// expireAfter > staleAfter > 0 (validated by config.Load).
// bus and subs may be nil in tests.
func NewSweeper(reg *Registry, bus Publisher, subs SubscriptionCloser, interval, staleAfter, expireAfter time.Duration, logger *slog.Logger) *Sweeper {
	meter := telemetry.Meter("renkei/registry")
	staleCounter, _ := meter.Int64Counter("renkei.sessions.went_stale",
		metric.WithDescription("Sessions flipped to stale by the liveness sweeper"))
	expiredCounter, _ := meter.Int64Counter("renkei.sessions.expired",
		metric.WithDescription("Sessions expired and removed by the liveness sweeper"))

	return &Sweeper{
		reg:            reg,
		bus:            bus,
		subs:           subs,
		logger:         logger,
		interval:       interval,
		staleAfter:     staleAfter,
		expireAfter:    expireAfter,
		staleCounter:   staleCounter,
		expiredCounter: expiredCounter,
	}
}

// Start runs the sweep loop until ctx is cancelled. It blocks, so call it
// in a goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("liveness sweeper started",
		"interval", sw.interval,
		"stale_threshold", sw.staleAfter,
		"expiry_threshold", sw.expireAfter,
	)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("liveness sweeper stopped")
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one scan. Exported so tests can drive the sweeper
// without waiting on the ticker.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	wentStale, expired := sw.reg.Sweep(time.Now().UTC(), sw.staleAfter, sw.expireAfter)

	for _, s := range wentStale {
		sw.logger.Warn("session went stale",
			"session_id", s.ID,
			"display_name", s.DisplayName,
			"last_heartbeat_at", s.LastHeartbeatAt,
		)
		if sw.bus != nil {
			sw.bus.System(model.EventSessionStale, s.ID.String(), map[string]any{
				"display_name":      s.DisplayName,
				"last_heartbeat_at": s.LastHeartbeatAt,
			})
		}
	}

	for _, s := range expired {
		sw.logger.Warn("session expired",
			"session_id", s.ID,
			"display_name", s.DisplayName,
			"last_heartbeat_at", s.LastHeartbeatAt,
		)
		if sw.subs != nil {
			sw.subs.Unsubscribe(s.ID.String())
		}
		if sw.bus != nil {
			sw.bus.System(model.EventSessionExpired, s.ID.String(), map[string]any{
				"display_name": s.DisplayName,
			})
		}
	}

	if len(wentStale) > 0 {
		sw.staleCounter.Add(ctx, int64(len(wentStale)))
	}
	if len(expired) > 0 {
		sw.expiredCounter.Add(ctx, int64(len(expired)))
	}
}
