package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
)

// sessionIDFromContext extracts the MCP session ID the SDK attached to
// the request context. Requests without one (a client probing before
// initialize) share an anonymous session.
func sessionIDFromContext(ctx context.Context) string {
	if sess := sdkserver.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	return "anonymous"
}

// toolHandler routes a tool call through the session manager to the
// owning backend. Backend and routing failures come back as tool
// errors, not protocol errors, so a client sees a structured result
// either way.
func (s *Server) toolHandler(qualifiedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := sessionIDFromContext(ctx)
		logger.Debugw("handling tool call", "tool", qualifiedName, "session_id", sessionID)

		args, ok := request.Params.Arguments.(map[string]any)
		if !ok && request.Params.Arguments != nil {
			return mcp.NewToolResultError(fmt.Sprintf("arguments must be an object, got %T", request.Params.Arguments)), nil
		}

		result, err := s.sessions.CallTool(ctx, sessionID, qualifiedName, args)
		if err != nil {
			switch {
			case errors.Is(err, mux.ErrUnknownCapability):
				return mcp.NewToolResultError(fmt.Sprintf("unknown tool: %s", qualifiedName)), nil
			case errors.Is(err, mux.ErrBackendUnavailable):
				logger.Warnw("backend unavailable for tool call", "tool", qualifiedName, "error", err)
				return mcp.NewToolResultError(fmt.Sprintf("backend unavailable: %v", err)), nil
			case errors.Is(err, mux.ErrTimeout):
				return mcp.NewToolResultError(fmt.Sprintf("tool call timed out: %v", err)), nil
			default:
				logger.Warnw("tool call failed", "tool", qualifiedName, "error", err)
				return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
			}
		}

		content := make([]mcp.Content, 0, len(result.Content))
		for _, c := range result.Content {
			content = append(content, convertContent(c))
		}
		return &mcp.CallToolResult{
			Content:           content,
			StructuredContent: result.StructuredContent,
			IsError:           result.IsError,
		}, nil
	}
}

// resourceHandler routes a resource read to the owning backend.
func (s *Server) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessionID := sessionIDFromContext(ctx)
		logger.Debugw("handling resource read", "uri", uri, "session_id", sessionID)

		result, err := s.sessions.ReadResource(ctx, sessionID, uri)
		if err != nil {
			if errors.Is(err, mux.ErrBackendUnavailable) {
				return nil, fmt.Errorf("backend unavailable: %w", err)
			}
			return nil, fmt.Errorf("resource read failed: %w", err)
		}

		mimeType := result.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      uri,
				MIMEType: mimeType,
				Text:     string(result.Contents),
			},
		}, nil
	}
}

// promptHandler routes a prompt retrieval to the owning backend.
func (s *Server) promptHandler(qualifiedName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		sessionID := sessionIDFromContext(ctx)
		logger.Debugw("handling prompt request", "prompt", qualifiedName, "session_id", sessionID)

		result, err := s.sessions.GetPrompt(ctx, sessionID, qualifiedName, request.Params.Arguments)
		if err != nil {
			if errors.Is(err, mux.ErrBackendUnavailable) {
				return nil, fmt.Errorf("backend unavailable: %w", err)
			}
			return nil, fmt.Errorf("prompt request failed: %w", err)
		}

		messages := make([]mcp.PromptMessage, 0, len(result.Messages))
		for _, msg := range result.Messages {
			messages = append(messages, mcp.PromptMessage{
				Role:    mcp.Role(msg.Role),
				Content: mcp.NewTextContent(msg.Text),
			})
		}
		return &mcp.GetPromptResult{
			Description: result.Description,
			Messages:    messages,
		}, nil
	}
}

// convertContent rebuilds SDK content from the normalized form the
// transport produced.
func convertContent(c mux.Content) mcp.Content {
	switch c.Type {
	case "image":
		return mcp.NewImageContent(c.Data, c.MimeType)
	case "audio":
		return mcp.NewAudioContent(c.Data, c.MimeType)
	default:
		return mcp.NewTextContent(c.Text)
	}
}
