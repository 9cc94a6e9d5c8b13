package mcp

import (
	"fmt"

	"github.com/google/uuid"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ethrdev/cogmem/internal/judge"
)

// mcp-go's scalar accessors (GetString/GetInt/GetFloat) don't cover the
// array and object inputs several tools take (source_ids, docs, metadata,
// properties, weights, query_embedding). These helpers read them out of
// request.GetArguments()'s raw map, since the generated JSON-Schema only
// constrains shape, not Go type.

// hasArg reports whether key is present in the raw arguments at all,
// distinguishing an absent field from one explicitly set to an empty value.
func hasArg(args map[string]any, key string) bool {
	_, ok := args[key]
	return ok
}

func stringMapArg(args map[string]any, key string) map[string]any {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// int64SliceArg reads a JSON array of numbers into []int64. Returns an
// error if the value is present but not an array of numbers.
func int64SliceArg(args map[string]any, key string) ([]int64, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		n, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("%s elements must be numbers", key)
		}
		out = append(out, int64(n))
	}
	return out, nil
}

// float32SliceArg reads a JSON array of numbers into []float32.
func float32SliceArg(args map[string]any, key string) ([]float32, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	out := make([]float32, 0, len(raw))
	for _, item := range raw {
		n, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("%s elements must be numbers", key)
		}
		out = append(out, float32(n))
	}
	return out, nil
}

// docsArg reads an array of {id, content} objects for store_dual_judge_scores.
func docsArg(args map[string]any, key string) ([]judge.Doc, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("%s is required", key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	out := make([]judge.Doc, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s elements must be objects", key)
		}
		idStr, _ := m["id"].(string)
		content, _ := m["content"].(string)
		if idStr == "" || content == "" {
			return nil, fmt.Errorf("%s elements require non-empty id and content", key)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("%s element id %q is not a valid uuid", key, idStr)
		}
		out = append(out, judge.Doc{ID: id, Content: content})
	}
	return out, nil
}

// optionalUUIDArg parses a string argument as a uuid.UUID pointer, or nil if
// the key is absent or empty.
func optionalUUIDArg(args map[string]any, key string) (*uuid.UUID, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid uuid", key)
	}
	return &id, nil
}

func getArguments(request mcplib.CallToolRequest) map[string]any {
	args := request.GetArguments()
	if args == nil {
		return map[string]any{}
	}
	return args
}
