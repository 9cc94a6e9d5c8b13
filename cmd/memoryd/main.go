// Command memoryd is the composition root for the cognitive memory
// service: it loads configuration, connects to Postgres, runs embedded
// migrations, wires the embedding/scorer providers and every core
// component, and mounts the MCP surface over StreamableHTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ethrdev/cogmem/internal/config"
	"github.com/ethrdev/cogmem/internal/dissonance"
	"github.com/ethrdev/cogmem/internal/embedding"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/judge"
	"github.com/ethrdev/cogmem/internal/mcp"
	"github.com/ethrdev/cogmem/internal/retrieval"
	"github.com/ethrdev/cogmem/internal/search"
	"github.com/ethrdev/cogmem/internal/storage"
	"github.com/ethrdev/cogmem/internal/telemetry"
	"github.com/ethrdev/cogmem/internal/transport"
	"github.com/ethrdev/cogmem/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("COGMEM_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
	// Load .env if present; production deployments won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("cogmem starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	var qdrantIndex *search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewIndex(search.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	graphStore := graph.New(db.Pool())
	dissonanceEngine := dissonance.New(db)
	if err := dissonanceEngine.LoadPending(ctx); err != nil {
		logger.Warn("dissonance: load pending nuance reviews failed", "error", err)
	}

	retrievalEngine := retrieval.New(db, embedder, graphStore, qdrantIndex, retrieval.Config{
		RRFConstant:          cfg.RRFConstant,
		DenseCandidateFactor: cfg.DenseCandidateFactor,
		DefaultWeights: retrieval.Weights{
			Semantic: cfg.SemanticWeight,
			Keyword:  cfg.KeywordWeight,
			Graph:    cfg.GraphWeight,
		},
		RelationalWeights: retrieval.Weights{
			Semantic: cfg.RelationalSemantic,
			Keyword:  cfg.RelationalKeyword,
			Graph:    cfg.RelationalGraph,
		},
		RelationalKeywordsEN: cfg.RelationalKeywordsEN,
		RelationalKeywordsDE: cfg.RelationalKeywordsDE,
	}, logger)

	judge1 := newScorerProvider(cfg.Judge1Provider, cfg, cfg.Judge1Model, logger)
	judge2 := newScorerProvider(cfg.Judge2Provider, cfg, cfg.Judge2Model, logger)
	judgePipeline := judge.New(db, judge1, judge2, logger)

	mcpSrv := mcp.New(db, embedder, retrievalEngine, judgePipeline, graphStore, dissonanceEngine, qdrantIndex, cfg, logger, version)

	httpSrv := transport.New(transport.Config{
		MCPServer:    mcpSrv.MCPServer(),
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("cogmem shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("cogmem stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newEmbeddingProvider selects an embedding.Provider per
// COGMEM_EMBEDDING_PROVIDER: "openai", "ollama", "noop", or "auto"
// (prefers a reachable Ollama, then an OpenAI key, else noop).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when COGMEM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai embedding provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai embedding provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// newScorerProvider selects a judge.Scorer for one of the two independent
// dual-judge slots, mirroring newEmbeddingProvider's auto-detection policy.
func newScorerProvider(providerName string, cfg config.Config, model string, logger *slog.Logger) judge.Scorer {
	switch providerName {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required for a judge configured as openai")
			return judge.NewNoopScorer()
		}
		logger.Info("judge provider: openai", "model", model)
		return judge.NewOpenAIScorer(cfg.OpenAIAPIKey, model)

	case "ollama":
		logger.Info("judge provider: ollama", "url", cfg.OllamaURL, "model", model)
		return judge.NewOllamaScorer(cfg.OllamaURL, model)

	case "noop":
		logger.Info("judge provider: noop (neutral scores only)")
		return judge.NewNoopScorer()

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("judge provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", model)
			return judge.NewOllamaScorer(cfg.OllamaURL, model)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("judge provider: openai (auto-detected)", "model", model)
			return judge.NewOpenAIScorer(cfg.OpenAIAPIKey, model)
		}
		logger.Warn("no judge provider available, using noop (neutral scores only)")
		return judge.NewNoopScorer()
	}
}

// ollamaReachable checks whether an Ollama server is responding, used by
// both provider factories' "auto" mode.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
