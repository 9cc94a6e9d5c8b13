// Package mcp exposes the memory service over the Model Context Protocol:
// thirteen tools spanning the L0/L2/working/episode memory tiers, the
// hybrid retrieval engine, the dual-judge pipeline, and the knowledge graph,
// plus five read-only memory:// resources.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ethrdev/cogmem/internal/config"
	"github.com/ethrdev/cogmem/internal/dissonance"
	"github.com/ethrdev/cogmem/internal/embedding"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/judge"
	"github.com/ethrdev/cogmem/internal/retrieval"
	"github.com/ethrdev/cogmem/internal/search"
	"github.com/ethrdev/cogmem/internal/storage"
)

// serverInstructions describes the service's memory model to the connecting
// client: four tiers (append-only raw dialogue, compressed insights, a
// bounded working set, and scored episodes), a hybrid search tool that
// fuses dense, lexical, and graph signals, and a typed knowledge graph with
// an optional relevance-weighted re-rank pass.
const serverInstructions = `This server exposes a layered memory store for conversational agents.

Tiers:
  - L0 raw dialogue: append-only, unembedded turn log (store_raw_dialogue).
  - L2 insights: compressed, embedded statements derived from raw turns or
    synthesized directly (compress_to_l2_insight).
  - Working memory: a small bounded context window with LRU-with-critical-
    exemption eviction into a stale archive (update_working_memory).
  - Episode memory: scored reflections usable for verbal reinforcement
    (store_episode, list_episodes).

hybrid_search fuses dense vector similarity, full-text relevance, and
(when the query looks relational) knowledge-graph traversal via Reciprocal
Rank Fusion. store_dual_judge_scores rates a query/document set with two
independent judges and reports their Cohen's kappa agreement.

The knowledge graph (graph_add_node, graph_add_edge, graph_query_neighbors,
graph_find_path) holds typed entities and relations; traversal can rank
results either by a simple recency-weighted relevance score or, with
use_ief=true, a fused integrative score that also accounts for semantic
similarity to the query and a pending-contradiction penalty.

Tools that look up a single memory by id (get_insight_by_id) report a
not-found status rather than an error when the id doesn't exist.`

// Server adapts the memory service's internal components to the MCP
// protocol surface.
type Server struct {
	mcpServer *mcpserver.MCPServer

	db         *storage.DB
	embedder   embedding.Provider
	retrieval  *retrieval.Engine
	judge      *judge.Pipeline
	graphStore *graph.Store
	dissonance *dissonance.Engine
	qdrant     *search.Index // nil when no secondary dense index is configured
	cfg        config.Config
	logger     *slog.Logger
}

// New builds a Server wired to the given components and registers all
// tools and resources. version is surfaced to clients via the MCP
// initialize handshake. qdrant may be nil.
func New(
	db *storage.DB,
	embedder embedding.Provider,
	retrievalEngine *retrieval.Engine,
	judgePipeline *judge.Pipeline,
	graphStore *graph.Store,
	dissonanceEngine *dissonance.Engine,
	qdrant *search.Index,
	cfg config.Config,
	logger *slog.Logger,
	version string,
) *Server {
	s := &Server{
		db:         db,
		embedder:   embedder,
		retrieval:  retrievalEngine,
		judge:      judgePipeline,
		graphStore: graphStore,
		dissonance: dissonanceEngine,
		qdrant:     qdrant,
		cfg:        cfg,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"cogmem",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport mounting.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// errorResult builds a tool failure response. Handlers never return a
// non-nil Go error for business-logic failures (validation, not-found,
// storage, embedding, evaluation, timeout) — only for protocol-level
// failures the mcp-go runtime itself should surface. Business failures are
// always encoded in the result body so the client sees the full
// {error, details, tool} shape instead of a bare RPC error.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
