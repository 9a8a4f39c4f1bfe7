package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/renkei/api"
	"github.com/ashita-ai/renkei/internal/auth"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/config"
	"github.com/ashita-ai/renkei/internal/content"
	"github.com/ashita-ai/renkei/internal/contextcache"
	"github.com/ashita-ai/renkei/internal/mcp"
	"github.com/ashita-ai/renkei/internal/ratelimit"
	"github.com/ashita-ai/renkei/internal/registry"
	"github.com/ashita-ai/renkei/internal/server"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RENKEI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("renkei starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Session token manager.
	tokens, err := auth.NewTokenManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Session registry and broadcast bus. The bus consults the registry
	// on every publish so liveness and subscribability never drift apart.
	reg := registry.New(logger)

	limiter := ratelimit.New()
	defer func() { _ = limiter.Close() }()

	b := bus.New(bus.Config{
		Liveness:         reg,
		Limiter:          limiter,
		PublishLimit:     cfg.PublishLimit,
		PublishWindow:    cfg.PublishWindow,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Logger:           logger,
	})

	// External content source (optional; "none" disables context queries).
	source, err := newContentSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var cache *contextcache.Cache
	if source != nil {
		defer func() { _ = source.Close() }()
		cache = contextcache.New(contextcache.Config{
			Source:       source,
			Announcer:    b,
			Capacity:     cfg.CacheCapacity,
			TTL:          cfg.CacheTTL,
			FetchTimeout: cfg.FetchTimeout,
			ResultLimit:  cfg.QueryLimit,
			Logger:       logger,
		})
		logger.Info("content source: enabled", "backend", cfg.ContentBackend)
	} else {
		logger.Info("content source: disabled")
	}

	// Liveness sweeper: drives sessions from active to stale to expired and
	// announces the transitions on the bus.
	sweeper := registry.NewSweeper(reg, b, b, cfg.SweepInterval, cfg.StaleThreshold, cfg.ExpiryThreshold, logger)
	go sweeper.Start(ctx)

	// MCP server, mounted at /mcp by the HTTP server.
	mcpSrv := mcp.New(reg, b, cache, logger)

	srv := server.New(server.ServerConfig{
		Registry:            reg,
		Bus:                 b,
		Cache:               cache,
		Tokens:              tokens,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RegistrationKeyHash: cfg.RegistrationKeyHash,
		ContentBackend:      cfg.ContentBackend,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("renkei shutting down")

	// Stop accepting new requests and drain in-flight ones, including open
	// SSE streams, which end when their request contexts are cancelled.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("renkei stopped")
	return nil
}

// newContentSource creates the configured content backend. Returns nil
// when the backend is "none".
func newContentSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (content.Source, error) {
	switch cfg.ContentBackend {
	case "none":
		return nil, nil

	case "sqlite":
		src, err := content.NewSQLiteSource(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite content source: %w", err)
		}
		logger.Info("sqlite content source", "path", cfg.SQLitePath)
		return src, nil

	case "postgres":
		src, err := content.NewPostgresSource(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres content source: %w", err)
		}
		logger.Info("postgres content source")
		return src, nil

	case "qdrant":
		var embedder content.Embedder
		if cfg.OpenAIAPIKey != "" {
			embedder = content.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.QdrantDims)
			logger.Info("embedder: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.QdrantDims)
		} else {
			embedder = content.NewHashEmbedder(cfg.QdrantDims)
			logger.Warn("embedder: deterministic hash (no OPENAI_API_KEY; dev only)")
		}

		src, err := content.NewQdrantSource(content.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantColl,
			Dims:       uint64(cfg.QdrantDims), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant content source: %w", err)
		}
		if err := src.EnsureCollection(ctx); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant content source", "collection", cfg.QdrantColl)
		return src, nil

	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.ContentBackend)
	}
}
