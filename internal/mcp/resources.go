package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ethrdev/cogmem/internal/model"
)

// registerResources wires up the five read-only memory:// resources. The
// four parameterized ones are registered as URI templates so reads with
// query parameters match; working-memory takes none and stays a plain
// resource. None of these mutate state; invalid parameters are reported as
// a resource-read error (the MCP equivalent of a 400), and an empty match
// set is reported as an empty JSON array rather than an error.
func (s *Server) registerResources() {
	srv := s.mcpServer

	srv.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"memory://l2-insights{?query,top_k}",
			"L2 Insights Search",
			mcplib.WithTemplateDescription("Hybrid-search the L2 insight store. Query params: query (required), top_k."),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleL2InsightsResource,
	)

	srv.AddResource(
		mcplib.NewResource(
			"memory://working-memory",
			"Working Memory",
			mcplib.WithResourceDescription("The current bounded working-memory set, oldest first."),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleWorkingMemoryResource,
	)

	srv.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"memory://episode-memory{?query,min_similarity}",
			"Episode Memory Search",
			mcplib.WithTemplateDescription("Search episode memory by semantic similarity. Query params: query (required), min_similarity."),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleEpisodeMemoryResource,
	)

	srv.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"memory://l0-raw{?session_id,date_range,limit}",
			"L0 Raw Dialogue",
			mcplib.WithTemplateDescription("Raw dialogue log for a session. Query params: session_id (required), date_range (YYYY-MM-DD:YYYY-MM-DD), limit."),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleL0RawResource,
	)

	srv.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"memory://stale-memory{?importance_min}",
			"Stale Memory Archive",
			mcplib.WithTemplateDescription("Archived (evicted or manually archived) working-memory items. Query params: importance_min."),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleStaleMemoryResource,
	)
}

// resourceQuery parses the query string off a memory:// resource URI.
func resourceQuery(uri string) (url.Values, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid resource uri %q: %w", uri, err)
	}
	return u.Query(), nil
}

func textContents(uri string, data []byte) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}
}

func (s *Server) handleL2InsightsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	q, err := resourceQuery(uri)
	if err != nil {
		return nil, err
	}

	query := q.Get("query")
	if query == "" {
		return nil, fmt.Errorf("mcp: memory://l2-insights: query parameter is required")
	}
	topK := 5
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("mcp: memory://l2-insights: top_k must be a positive integer")
		}
		topK = n
	}

	result, err := s.retrieval.Search(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://l2-insights: %w", err)
	}

	data, err := json.Marshal(result.Items)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal l2-insights: %w", err)
	}
	return textContents(uri, data), nil
}

func (s *Server) handleWorkingMemoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	items, err := s.db.ListWorkingMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://working-memory: %w", err)
	}
	if items == nil {
		items = []model.WorkingItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal working-memory: %w", err)
	}
	return textContents(uri, data), nil
}

func (s *Server) handleEpisodeMemoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	q, err := resourceQuery(uri)
	if err != nil {
		return nil, err
	}

	query := q.Get("query")
	if query == "" {
		return nil, fmt.Errorf("mcp: memory://episode-memory: query parameter is required")
	}
	minSimilarity := 0.0
	if raw := q.Get("min_similarity"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("mcp: memory://episode-memory: min_similarity must be in [0,1]")
		}
		minSimilarity = f
	}

	embVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://episode-memory: embed query: %w", err)
	}

	episodes, err := s.db.SearchEpisodes(ctx, embVec, minSimilarity, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://episode-memory: %w", err)
	}
	if episodes == nil {
		episodes = []model.Episode{}
	}
	data, err := json.Marshal(episodes)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal episode-memory: %w", err)
	}
	return textContents(uri, data), nil
}

func (s *Server) handleL0RawResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	q, err := resourceQuery(uri)
	if err != nil {
		return nil, err
	}

	sessionID := q.Get("session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("mcp: memory://l0-raw: session_id parameter is required")
	}

	var from, to time.Time
	if raw := q.Get("date_range"); raw != "" {
		from, to, err = parseDateRange(raw)
		if err != nil {
			return nil, fmt.Errorf("mcp: memory://l0-raw: %w", err)
		}
	}

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("mcp: memory://l0-raw: limit must be a positive integer")
		}
		limit = n
	}

	entries, err := s.db.ListRawBySession(ctx, sessionID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://l0-raw: %w", err)
	}
	if entries == nil {
		entries = []model.RawEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal l0-raw: %w", err)
	}
	return textContents(uri, data), nil
}

// parseDateRange parses "YYYY-MM-DD:YYYY-MM-DD" into a [from,to) pair of
// UTC midnights. The upper bound is exclusive, so the "to" date is advanced
// one day to include its whole span.
func parseDateRange(raw string) (from, to time.Time, err error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("date_range must be YYYY-MM-DD:YYYY-MM-DD")
	}
	from, err = time.Parse("2006-01-02", parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("date_range: invalid start date %q", parts[0])
	}
	toDate, err := time.Parse("2006-01-02", parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("date_range: invalid end date %q", parts[1])
	}
	to = toDate.AddDate(0, 0, 1)
	return from, to, nil
}

func (s *Server) handleStaleMemoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	q, err := resourceQuery(uri)
	if err != nil {
		return nil, err
	}

	importanceMin := 0.0
	if raw := q.Get("importance_min"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("mcp: memory://stale-memory: importance_min must be in [0,1]")
		}
		importanceMin = f
	}

	items, err := s.db.ListStaleMemory(ctx, importanceMin)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory://stale-memory: %w", err)
	}
	if items == nil {
		items = []model.StaleItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stale-memory: %w", err)
	}
	return textContents(uri, data), nil
}
