package mcp

import (
	"encoding/json"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ethrdev/cogmem/internal/model"
)

// toolErrorResponse is the structured failure shape every tool returns on
// the boundary: {error, details, tool}, with no sensitive input
// echoed back.
type toolErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Tool    string `json:"tool"`
	Field   string `json:"field,omitempty"`
}

// toolError translates any error into the tagged protocol shape. A
// *model.Error carries its own taxonomy kind; any other error (a bug, an
// unwrapped driver panic recovery, etc.) is logged in full and reported to
// the client only as INTERNAL, never echoing the underlying message.
func (s *Server) toolError(tool string, err error) *mcplib.CallToolResult {
	var merr *model.Error
	resp := toolErrorResponse{Tool: tool}

	if errors.As(err, &merr) {
		resp.Error = string(merr.Kind)
		resp.Details = merr.Message
		resp.Field = merr.Field
	} else if errors.Is(err, model.ErrNotFound) {
		resp.Error = string(model.KindNotFound)
		resp.Details = "no such entity"
	} else {
		s.logger.Error("mcp: unclassified tool error", "tool", tool, "error", err)
		resp.Error = string(model.KindInternal)
		resp.Details = "internal error"
	}

	data, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return errorResult(`{"error":"INTERNAL","details":"internal error","tool":"` + tool + `"}`)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
		IsError: true,
	}
}

// textResult wraps a successful JSON payload into a tool result.
func textResult(data []byte) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}
}
