package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ethrdev/cogmem/internal/embedding"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/ief"
	"github.com/ethrdev/cogmem/internal/model"
	"github.com/ethrdev/cogmem/internal/retrieval"
	"github.com/ethrdev/cogmem/internal/search"
	"github.com/ethrdev/cogmem/internal/storage"
)

// registerTools wires up all thirteen MCP tools.
func (s *Server) registerTools() {
	srv := s.mcpServer

	srv.AddTool(mcplib.NewTool("ping",
		mcplib.WithDescription("Check that the memory service is reachable."),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
	), s.handlePing)

	srv.AddTool(mcplib.NewTool("store_raw_dialogue",
		mcplib.WithDescription("Append one conversational turn to the append-only L0 raw dialogue log. No embedding is computed at this tier."),
		mcplib.WithString("session_id", mcplib.Description("Conversation/session identifier."), mcplib.Required()),
		mcplib.WithString("speaker", mcplib.Description("Who produced this turn (e.g. \"user\", \"assistant\")."), mcplib.Required()),
		mcplib.WithString("content", mcplib.Description("Raw turn text."), mcplib.Required()),
		mcplib.WithObject("metadata", mcplib.Description("Optional free-form metadata to store alongside the entry.")),
		mcplib.WithDestructiveHintAnnotation(false),
	), s.handleStoreRawDialogue)

	srv.AddTool(mcplib.NewTool("compress_to_l2_insight",
		mcplib.WithDescription("Store a compressed semantic insight (L2), embedding it for later hybrid search. source_ids must be present (an ordered list of L0 ids it was derived from) but may be empty for a synthesized insight."),
		mcplib.WithString("content", mcplib.Description("The compressed insight text."), mcplib.Required()),
		mcplib.WithArray("source_ids", mcplib.Description("L0 raw entry ids this insight was compressed from. Required field; pass an empty array for a synthesized insight with no direct sources.")),
		mcplib.WithObject("metadata", mcplib.Description("Optional free-form metadata.")),
		mcplib.WithDestructiveHintAnnotation(false),
	), s.handleCompressToL2Insight)

	srv.AddTool(mcplib.NewTool("store_episode",
		mcplib.WithDescription("Record a scored reflection episode for verbal reinforcement."),
		mcplib.WithString("query", mcplib.Description("The query or task the episode reflects on."), mcplib.Required()),
		mcplib.WithNumber("reward", mcplib.Description("Scalar reward in [-1,1]."), mcplib.Min(-1), mcplib.Max(1), mcplib.Required()),
		mcplib.WithString("reflection", mcplib.Description("Free-text reflection on the outcome."), mcplib.Required()),
		mcplib.WithDestructiveHintAnnotation(false),
	), s.handleStoreEpisode)

	srv.AddTool(mcplib.NewTool("store_dual_judge_scores",
		mcplib.WithDescription("Score a set of candidate documents against a query with two independent judges and report their Cohen's kappa agreement."),
		mcplib.WithString("query_id", mcplib.Description("UUID grouping this scoring run."), mcplib.Required()),
		mcplib.WithString("query", mcplib.Description("The query text."), mcplib.Required()),
		mcplib.WithArray("docs", mcplib.Description("Candidate documents to score, each {id, content}."), mcplib.Required()),
	), s.handleStoreDualJudgeScores)

	srv.AddTool(mcplib.NewTool("hybrid_search",
		mcplib.WithDescription("Run hybrid_search: dense, lexical, and (for relational queries) graph-anchored retrieval fused by Reciprocal Rank Fusion."),
		mcplib.WithString("query_text", mcplib.Description("The search query."), mcplib.Required()),
		mcplib.WithNumber("top_k", mcplib.Description("Number of results to return."), mcplib.DefaultNumber(5)),
		mcplib.WithObject("weights", mcplib.Description("Optional override of the fusion weights {semantic, keyword, graph}.")),
		mcplib.WithArray("query_embedding", mcplib.Description("Optional precomputed query embedding, bypassing the embedding provider.")),
		mcplib.WithReadOnlyHintAnnotation(true),
	), s.handleHybridSearch)

	srv.AddTool(mcplib.NewTool("update_working_memory",
		mcplib.WithDescription("Add an item to the bounded working memory set. If over capacity, evicts the oldest non-critical item (or, if all items are critical, the oldest regardless) into the stale archive."),
		mcplib.WithString("content", mcplib.Description("The content to add."), mcplib.Required()),
		mcplib.WithNumber("importance", mcplib.Description("Importance in [0,1]; items above the critical threshold are exempt from standard eviction."), mcplib.Min(0), mcplib.Max(1), mcplib.DefaultNumber(0.5)),
	), s.handleUpdateWorkingMemory)

	srv.AddTool(mcplib.NewTool("get_insight_by_id",
		mcplib.WithDescription("Look up one L2 insight by id. Returns a not_found status rather than an error when the id doesn't exist."),
		mcplib.WithString("id", mcplib.Description("The insight's UUID."), mcplib.Required()),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
	), s.handleGetInsightByID)

	srv.AddTool(mcplib.NewTool("list_episodes",
		mcplib.WithDescription("List the most recent episode-memory records, newest first."),
		mcplib.WithNumber("limit", mcplib.Description("Maximum number of episodes to return."), mcplib.DefaultNumber(20)),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
	), s.handleListEpisodes)

	srv.AddTool(mcplib.NewTool("graph_add_node",
		mcplib.WithDescription("Upsert a typed named entity node in the knowledge graph, keyed on (label, name)."),
		mcplib.WithString("label", mcplib.Description("The node's type, e.g. \"skill\" or \"concept\"."), mcplib.Required()),
		mcplib.WithString("name", mcplib.Description("The node's name."), mcplib.Required()),
		mcplib.WithObject("properties", mcplib.Description("Optional free-form node properties.")),
		mcplib.WithString("vector_id", mcplib.Description("Optional UUID of an L2 insight this node is anchored to.")),
		mcplib.WithIdempotentHintAnnotation(true),
	), s.handleGraphAddNode)

	srv.AddTool(mcplib.NewTool("graph_add_edge",
		mcplib.WithDescription("Upsert a typed directed relation between two nodes, auto-creating either endpoint if it doesn't already exist."),
		mcplib.WithString("source_name", mcplib.Description("The source node's name."), mcplib.Required()),
		mcplib.WithString("target_name", mcplib.Description("The target node's name."), mcplib.Required()),
		mcplib.WithString("relation", mcplib.Description("The relation type, e.g. \"DEPENDS_ON\"."), mcplib.Required()),
		mcplib.WithString("source_label", mcplib.Description("Label to use if the source node needs creating.")),
		mcplib.WithString("target_label", mcplib.Description("Label to use if the target node needs creating.")),
		mcplib.WithNumber("weight", mcplib.Description("Edge weight."), mcplib.DefaultNumber(1.0)),
		mcplib.WithObject("properties", mcplib.Description("Optional free-form edge properties, e.g. {\"edge_type\": \"constitutive\"}.")),
		mcplib.WithIdempotentHintAnnotation(true),
	), s.handleGraphAddEdge)

	srv.AddTool(mcplib.NewTool("graph_query_neighbors",
		mcplib.WithDescription("Traverse the knowledge graph outward from a node up to a bounded depth, ranked either by a recency-weighted relevance score or, with use_ief, a fused integrative score."),
		mcplib.WithString("node_name", mcplib.Description("The starting node's name."), mcplib.Required()),
		mcplib.WithString("relation_type", mcplib.Description("Optional relation type filter.")),
		mcplib.WithNumber("depth", mcplib.Description("Traversal depth, clamped to [1,5]."), mcplib.DefaultNumber(1)),
		mcplib.WithString("direction", mcplib.Description("\"out\", \"in\", or \"both\"."), mcplib.DefaultString("both")),
		mcplib.WithBoolean("include_superseded", mcplib.Description("Include edges marked superseded."), mcplib.DefaultBool(false)),
		mcplib.WithBoolean("use_ief", mcplib.Description("Rank by the Integrative Evaluation Function instead of plain relevance."), mcplib.DefaultBool(false)),
		mcplib.WithArray("query_embedding", mcplib.Description("Query embedding used for the IEF semantic-similarity component, when use_ief is true.")),
		mcplib.WithReadOnlyHintAnnotation(true),
	), s.handleGraphQueryNeighbors)

	srv.AddTool(mcplib.NewTool("graph_find_path",
		mcplib.WithDescription("Find the shortest directed path between two nodes, up to a bounded number of hops."),
		mcplib.WithString("start_node", mcplib.Description("Starting node name."), mcplib.Required()),
		mcplib.WithString("end_node", mcplib.Description("Target node name."), mcplib.Required()),
		mcplib.WithNumber("max_depth", mcplib.Description("Maximum hops, clamped to [1,5]."), mcplib.DefaultNumber(5)),
		mcplib.WithBoolean("use_ief", mcplib.Description("Also report the path's mean Integrative Evaluation Function score."), mcplib.DefaultBool(false)),
		mcplib.WithArray("query_embedding", mcplib.Description("Query embedding used for the IEF semantic-similarity component, when use_ief is true.")),
		mcplib.WithReadOnlyHintAnnotation(true),
	), s.handleGraphFindPath)
}

func (s *Server) handlePing(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	data, _ := json.Marshal(map[string]any{
		"response":  "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleStoreRawDialogue(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	sessionID := request.GetString("session_id", "")
	speaker := request.GetString("speaker", "")
	content := request.GetString("content", "")
	if sessionID == "" {
		return s.toolError("store_raw_dialogue", model.Validation("session_id", "must not be empty")), nil
	}
	if speaker == "" {
		return s.toolError("store_raw_dialogue", model.Validation("speaker", "must not be empty")), nil
	}
	if content == "" {
		return s.toolError("store_raw_dialogue", model.Validation("content", "must not be empty")), nil
	}

	entry, err := s.db.InsertRawEntry(ctx, sessionID, speaker, content, stringMapArg(args, "metadata"))
	if err != nil {
		return s.toolError("store_raw_dialogue", err), nil
	}

	data, _ := json.Marshal(map[string]any{
		"id":         entry.ID,
		"session_id": entry.SessionID,
		"timestamp":  entry.Timestamp.UTC().Format(time.RFC3339),
		"status":     "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleCompressToL2Insight(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	content := request.GetString("content", "")
	if content == "" {
		return s.toolError("compress_to_l2_insight", model.Validation("content", "must not be empty")), nil
	}
	if !hasArg(args, "source_ids") {
		return s.toolError("compress_to_l2_insight", model.Validation("source_ids", "must be present (an array, possibly empty)")), nil
	}
	sourceIDs, err := int64SliceArg(args, "source_ids")
	if err != nil {
		return s.toolError("compress_to_l2_insight", model.Validation("source_ids", err.Error())), nil
	}

	vec, embeddingStatus, err := s.embedOptional(ctx, content)
	if err != nil {
		return s.toolError("compress_to_l2_insight", err), nil
	}

	ins, err := s.db.InsertInsight(ctx, content, sourceIDs, vec, stringMapArg(args, "metadata"))
	if err != nil {
		return s.toolError("compress_to_l2_insight", err), nil
	}

	if s.qdrant != nil && embeddingStatus == "ok" {
		if err := s.qdrant.Upsert(ctx, []search.Point{{InsightID: ins.ID, Embedding: vec.Slice()}}); err != nil {
			s.logger.Warn("compress_to_l2_insight: qdrant upsert failed, postgres remains source of truth", "error", err, "insight_id", ins.ID)
		}
	}

	data, _ := json.Marshal(map[string]any{
		"id":               ins.ID,
		"embedding_status": embeddingStatus,
		"created_at":       ins.CreatedAt.UTC().Format(time.RFC3339),
		"status":           "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleStoreEpisode(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	reflection := request.GetString("reflection", "")
	reward := request.GetFloat("reward", 0)

	if query == "" {
		return s.toolError("store_episode", model.Validation("query", "must not be empty")), nil
	}
	if reflection == "" {
		return s.toolError("store_episode", model.Validation("reflection", "must not be empty")), nil
	}
	if reward < -1 || reward > 1 {
		return s.toolError("store_episode", model.Validation("reward", "must be in [-1,1]")), nil
	}

	vec, embeddingStatus, err := s.embedOptional(ctx, query)
	if err != nil {
		return s.toolError("store_episode", err), nil
	}

	ep, err := s.db.InsertEpisode(ctx, query, reward, reflection, vec)
	if err != nil {
		return s.toolError("store_episode", err), nil
	}

	data, _ := json.Marshal(map[string]any{
		"id":               ep.ID,
		"created_at":       ep.CreatedAt.UTC().Format(time.RFC3339),
		"embedding_status": embeddingStatus,
		"status":           "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleStoreDualJudgeScores(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	queryIDStr := request.GetString("query_id", "")
	query := request.GetString("query", "")
	if queryIDStr == "" {
		return s.toolError("store_dual_judge_scores", model.Validation("query_id", "must not be empty")), nil
	}
	if query == "" {
		return s.toolError("store_dual_judge_scores", model.Validation("query", "must not be empty")), nil
	}
	queryID, err := uuid.Parse(queryIDStr)
	if err != nil {
		return s.toolError("store_dual_judge_scores", model.Validation("query_id", "must be a valid uuid")), nil
	}

	docs, err := docsArg(args, "docs")
	if err != nil {
		return s.toolError("store_dual_judge_scores", model.Validation("docs", err.Error())), nil
	}

	result, err := s.judge.Score(ctx, queryID, query, docs)
	if err != nil {
		return s.toolError("store_dual_judge_scores", err), nil
	}

	data, _ := json.Marshal(map[string]any{
		"judge1_scores": result.Judge1Scores,
		"judge2_scores": result.Judge2Scores,
		"kappa":         result.Kappa,
		"status":        "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleHybridSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	queryText := request.GetString("query_text", "")
	topK := request.GetInt("top_k", 5)

	var weights *retrieval.Weights
	if wm := stringMapArg(args, "weights"); wm != nil {
		w := retrieval.Weights{}
		if v, ok := wm["semantic"].(float64); ok {
			w.Semantic = v
		}
		if v, ok := wm["keyword"].(float64); ok {
			w.Keyword = v
		}
		if v, ok := wm["graph"].(float64); ok {
			w.Graph = v
		}
		weights = &w
	}

	queryEmbedding, err := float32SliceArg(args, "query_embedding")
	if err != nil {
		return s.toolError("hybrid_search", model.Validation("query_embedding", err.Error())), nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalDeadline)
	defer cancel()

	result, err := s.retrieval.Search(searchCtx, queryText, topK, weights, queryEmbedding)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(searchCtx.Err(), context.DeadlineExceeded) {
			return s.toolError("hybrid_search", model.Timeout(err)), nil
		}
		return s.toolError("hybrid_search", err), nil
	}

	results := make([]map[string]any, 0, len(result.Items))
	for _, item := range result.Items {
		results = append(results, map[string]any{
			"id":         item.ID,
			"content":    item.Content,
			"score":      item.Score,
			"source_ids": item.SourceIDs,
		})
	}

	data, _ := json.Marshal(map[string]any{
		"results": results,
		"weights": result.Weights,
		"counts": map[string]any{
			"semantic": result.SemanticResultCount,
			"keyword":  result.KeywordResultCount,
			"graph":    result.GraphResultCount,
		},
		"query_type": result.QueryType,
		"status":     "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleUpdateWorkingMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	importance := request.GetFloat("importance", 0.5)

	if content == "" {
		return s.toolError("update_working_memory", model.Validation("content", "must not be empty")), nil
	}
	if importance < 0 || importance > 1 {
		return s.toolError("update_working_memory", model.Validation("importance", "must be in [0,1]")), nil
	}

	// Wrapped in WithRetry to handle Postgres serialization failures (40001)
	// and deadlocks (40P01) from concurrent update_working_memory calls
	// under SERIALIZABLE isolation.
	var result storage.WorkingMemoryUpdateResult
	err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var txErr error
		result, txErr = s.db.UpdateWorkingMemory(ctx, content, importance, s.cfg.WorkingMemoryCapacity, s.cfg.CriticalThreshold)
		return txErr
	})
	if err != nil {
		return s.toolError("update_working_memory", err), nil
	}

	out := map[string]any{
		"added_id": result.AddedID,
		"status":   "ok",
	}
	if result.EvictedID != uuid.Nil {
		out["evicted_id"] = result.EvictedID
	}
	if result.ArchivedID != uuid.Nil {
		out["archived_id"] = result.ArchivedID
	}
	data, _ := json.Marshal(out)
	return textResult(data), nil
}

func (s *Server) handleGetInsightByID(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	idStr := request.GetString("id", "")
	if idStr == "" {
		return s.toolError("get_insight_by_id", model.Validation("id", "must not be empty")), nil
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return s.toolError("get_insight_by_id", model.Validation("id", "must be a valid uuid")), nil
	}

	ins, err := s.db.GetInsightByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		data, _ := json.Marshal(map[string]any{"insight": nil, "status": "not_found"})
		return textResult(data), nil
	}
	if err != nil {
		return s.toolError("get_insight_by_id", err), nil
	}

	data, _ := json.Marshal(map[string]any{
		"id":         ins.ID,
		"content":    ins.Content,
		"source_ids": ins.SourceIDs,
		"metadata":   ins.Metadata,
		"created_at": ins.CreatedAt.UTC().Format(time.RFC3339),
		"status":     "ok",
	})
	return textResult(data), nil
}

func (s *Server) handleListEpisodes(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	episodes, err := s.db.ListEpisodes(ctx, limit)
	if err != nil {
		return s.toolError("list_episodes", err), nil
	}

	out := make([]map[string]any, 0, len(episodes))
	for _, e := range episodes {
		out = append(out, map[string]any{
			"id":         e.ID,
			"query":      e.Query,
			"reward":     e.Reward,
			"reflection": e.Reflection,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	data, _ := json.Marshal(out)
	return textResult(data), nil
}

func (s *Server) handleGraphAddNode(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	label := request.GetString("label", "")
	name := request.GetString("name", "")
	if label == "" {
		return s.toolError("graph_add_node", model.Validation("label", "must not be empty")), nil
	}
	if name == "" {
		return s.toolError("graph_add_node", model.Validation("name", "must not be empty")), nil
	}

	vectorID, err := optionalUUIDArg(args, "vector_id")
	if err != nil {
		return s.toolError("graph_add_node", model.Validation("vector_id", err.Error())), nil
	}

	id, err := s.graphStore.AddNode(ctx, label, name, stringMapArg(args, "properties"), vectorID)
	if err != nil {
		return s.toolError("graph_add_node", err), nil
	}

	data, _ := json.Marshal(map[string]any{"id": id, "status": "ok"})
	return textResult(data), nil
}

func (s *Server) handleGraphAddEdge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	sourceName := request.GetString("source_name", "")
	targetName := request.GetString("target_name", "")
	relation := request.GetString("relation", "")
	if sourceName == "" {
		return s.toolError("graph_add_edge", model.Validation("source_name", "must not be empty")), nil
	}
	if targetName == "" {
		return s.toolError("graph_add_edge", model.Validation("target_name", "must not be empty")), nil
	}
	if relation == "" {
		return s.toolError("graph_add_edge", model.Validation("relation", "must not be empty")), nil
	}

	sourceLabel := request.GetString("source_label", "")
	targetLabel := request.GetString("target_label", "")
	weight := request.GetFloat("weight", 1.0)

	res, err := s.graphStore.AddEdge(ctx, sourceName, targetName, relation, sourceLabel, targetLabel, weight, stringMapArg(args, "properties"))
	if err != nil {
		return s.toolError("graph_add_edge", err), nil
	}

	// A new edge may contradict an existing one between the same endpoints;
	// scan the pair and open pending reviews. Best effort: a failed scan
	// does not undo the write.
	if reviews, scanErr := s.dissonance.ScanPair(ctx, res.SourceID, res.TargetID); scanErr != nil {
		s.logger.Warn("dissonance scan after edge write failed", "edge_id", res.EdgeID, "error", scanErr)
	} else if len(reviews) > 0 {
		s.logger.Info("dissonance scan opened nuance reviews", "edge_id", res.EdgeID, "reviews", len(reviews))
	}

	data, _ := json.Marshal(map[string]any{"edge_id": res.EdgeID, "status": "ok"})
	return textResult(data), nil
}

func (s *Server) handleGraphQueryNeighbors(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	nodeName := request.GetString("node_name", "")
	if nodeName == "" {
		return s.toolError("graph_query_neighbors", model.Validation("node_name", "must not be empty")), nil
	}

	depth := request.GetInt("depth", 1)
	direction := request.GetString("direction", "both")
	includeSuperseded := request.GetBool("include_superseded", false)
	useIEF := request.GetBool("use_ief", false)
	relationType := request.GetString("relation_type", "")

	queryEmbedding, err := float32SliceArg(args, "query_embedding")
	if err != nil {
		return s.toolError("graph_query_neighbors", model.Validation("query_embedding", err.Error())), nil
	}

	traversalCtx, cancel := context.WithTimeout(ctx, s.cfg.GraphTraversalDeadline)
	defer cancel()

	neighbors, err := s.graphStore.Neighbors(traversalCtx, nodeName, depth, graph.TraversalOpts{
		RelationType:      relationType,
		Direction:         direction,
		IncludeSuperseded: includeSuperseded,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(traversalCtx.Err(), context.DeadlineExceeded) {
			return s.toolError("graph_query_neighbors", model.Timeout(err)), nil
		}
		return s.toolError("graph_query_neighbors", err), nil
	}

	var pending map[uuid.UUID]struct{}
	var startNode *model.GraphNode
	if useIEF {
		pending = s.dissonance.GetPendingNuanceEdgeIDs()
		nodes, findErr := s.graphStore.FindNodesByNames(ctx, []string{nodeName})
		if findErr == nil && len(nodes) > 0 {
			startNode = &nodes[0]
		}
	}

	out := make([]map[string]any, 0, len(neighbors))
	now := time.Now().UTC()
	for _, n := range neighbors {
		row := map[string]any{
			"node_id":         n.Node.ID,
			"label":           n.Node.Label,
			"name":            n.Node.Name,
			"properties":      n.Node.Properties,
			"relation":        n.Edge.Relation,
			"distance":        n.Distance,
			"weight":          n.Edge.Weight,
			"relevance_score": n.RelevanceScore,
		}
		if useIEF {
			anchor := s.resolveEdgeAnchor(ctx, n.Edge, startNode, &n.Node)
			res := ief.Score(n.Edge, n.RelevanceScore, queryEmbedding, anchor, pending, now)
			row["ief_score"] = res.IEFScore
			row["ief_components"] = res.Components
		}
		out = append(out, row)
	}

	data, _ := json.Marshal(map[string]any{"neighbors": out, "status": "ok"})
	return textResult(data), nil
}

func (s *Server) handleGraphFindPath(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := getArguments(request)

	startNode := request.GetString("start_node", "")
	endNode := request.GetString("end_node", "")
	if startNode == "" {
		return s.toolError("graph_find_path", model.Validation("start_node", "must not be empty")), nil
	}
	if endNode == "" {
		return s.toolError("graph_find_path", model.Validation("end_node", "must not be empty")), nil
	}

	maxDepth := request.GetInt("max_depth", 5)
	useIEF := request.GetBool("use_ief", false)

	queryEmbedding, err := float32SliceArg(args, "query_embedding")
	if err != nil {
		return s.toolError("graph_find_path", model.Validation("query_embedding", err.Error())), nil
	}

	pathCtx, cancel := context.WithTimeout(ctx, s.cfg.GraphPathDeadline)
	defer cancel()

	path, err := s.graphStore.FindPath(pathCtx, startNode, endNode, maxDepth)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(pathCtx.Err(), context.DeadlineExceeded) {
			return s.toolError("graph_find_path", model.Timeout(err)), nil
		}
		return s.toolError("graph_find_path", err), nil
	}

	pathFound := len(path) > 0
	pathOut := make([]map[string]any, 0, len(path))
	for _, n := range path {
		pathOut = append(pathOut, map[string]any{
			"id":    n.ID,
			"label": n.Label,
			"name":  n.Name,
		})
	}

	out := map[string]any{
		"path_found":  pathFound,
		"path_length": 0,
		"path":        pathOut,
		"status":      "ok",
	}
	if pathFound {
		out["path_length"] = len(path) - 1
	}

	if useIEF && pathFound {
		score, ok := s.pathIEFScore(ctx, path, queryEmbedding)
		if ok {
			out["path_ief_score"] = score
		}
	}

	data, _ := json.Marshal(out)
	return textResult(data), nil
}

// embedOptional computes an embedding for text, reporting "ok" on success
// and "skipped" when no embedding provider is configured (the noop
// provider) — the row still gets a zero vector of the configured dimension
// so the non-null embedding constraint holds. Any other failure is an
// exhausted-retry EMBEDDING error.
func (s *Server) embedOptional(ctx context.Context, text string) (vec pgvector.Vector, status string, err error) {
	v, embedErr := s.embedder.Embed(ctx, text)
	if embedErr == nil {
		return v, "ok", nil
	}
	if errors.Is(embedErr, embedding.ErrNoProvider) {
		return pgvector.NewVector(make([]float32, s.embedder.Dimensions())), "skipped", nil
	}
	return v, "", model.Embedding(embedErr)
}

// resolveEdgeAnchor builds the IEF anchor input for one edge, fetching the
// linked insight's embedding for whichever endpoint carries a vector_id.
// startNode/otherNode are the two endpoints already resolved by the caller;
// either may be nil if unresolved, in which case that side contributes no
// anchor.
func (s *Server) resolveEdgeAnchor(ctx context.Context, edge model.GraphEdge, startNode, otherNode *model.GraphNode) ief.EdgeEndpointInsight {
	var anchor ief.EdgeEndpointInsight

	resolve := func(node *model.GraphNode) {
		if node == nil || node.VectorID == nil {
			return
		}
		// Only nodes that are actually endpoints of this edge contribute an
		// anchor; at depth > 1 the start node usually isn't one.
		if node.ID != edge.SourceID && node.ID != edge.TargetID {
			return
		}
		ins, err := s.db.GetInsightByID(ctx, *node.VectorID)
		if err != nil {
			return
		}
		if node.ID == edge.SourceID {
			anchor.SourceVectorID = node.VectorID
			anchor.SourceEmbedding = ins.Embedding.Slice()
		} else {
			anchor.TargetVectorID = node.VectorID
			anchor.TargetEmbedding = ins.Embedding.Slice()
		}
	}

	resolve(startNode)
	resolve(otherNode)

	return anchor
}

// pathIEFScore computes the mean IEF score of the edges directly connecting
// each consecutive pair of nodes along path. Returns ok=false if no
// connecting edge could be found for some hop.
func (s *Server) pathIEFScore(ctx context.Context, path []model.GraphNode, queryEmbedding []float32) (float64, bool) {
	if len(path) < 2 {
		return 0, false
	}
	pending := s.dissonance.GetPendingNuanceEdgeIDs()
	now := time.Now().UTC()

	var sum float64
	var n int
	for i := 0; i < len(path)-1; i++ {
		a, b := path[i], path[i+1]
		edges, err := s.db.ListEdgesBetween(ctx, a.ID, b.ID)
		if err != nil || len(edges) == 0 {
			return 0, false
		}
		edge := edges[0]
		anchor := s.resolveEdgeAnchor(ctx, edge, &a, &b)
		relevance := graph.RelevanceScore(edge, now, 30*24*time.Hour)
		res := ief.Score(edge, relevance, queryEmbedding, anchor, pending, now)
		sum += res.IEFScore
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
