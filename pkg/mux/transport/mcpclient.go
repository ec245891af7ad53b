package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/config"
)

// DefaultOpener opens real MCP connections using the mark3labs SDK.
type DefaultOpener struct{}

// NewDefaultOpener returns the production Opener.
func NewDefaultOpener() *DefaultOpener {
	return &DefaultOpener{}
}

// Open creates the transport for cfg: a spawned child process for stdio
// backends, a dialed connection for network backends. The returned
// handle is not yet negotiated.
func (*DefaultOpener) Open(ctx context.Context, cfg *config.BackendConfig) (Handle, error) {
	var (
		c   *client.Client
		err error
	)

	switch cfg.Transport {
	case mux.TransportStdio:
		// The descriptor's environment is merged over the proxy's own,
		// descriptor wins. This is the only place a backend process is
		// created.
		env := MergeEnv(os.Environ(), cfg.Env)
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("%w: spawning %s for backend %s: %v",
				mux.ErrLaunchFailed, cfg.Command, cfg.Name, err)
		}
		if stderr, ok := client.GetStderr(c); ok {
			go relayStderr(cfg.Name, stderr)
		}

	case mux.TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: creating streamable-http client for backend %s: %v",
				mux.ErrLaunchFailed, cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("%w: connecting to %s for backend %s: %v",
				mux.ErrLaunchFailed, cfg.URL, cfg.Name, err)
		}

	case mux.TransportSSE:
		c, err = client.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: creating sse client for backend %s: %v",
				mux.ErrLaunchFailed, cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("%w: connecting to %s for backend %s: %v",
				mux.ErrLaunchFailed, cfg.URL, cfg.Name, err)
		}

	default:
		return nil, fmt.Errorf("%w: backend %s: unsupported transport %q",
			mux.ErrLaunchFailed, cfg.Name, cfg.Transport)
	}

	return &mcpHandle{backend: cfg.Name, client: c}, nil
}

// relayStderr forwards a stdio backend's stderr lines to the proxy log,
// tagged with the backend name.
func relayStderr(backend string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debugw("backend stderr", "backend", backend, "line", scanner.Text())
	}
}

// mcpHandle implements Handle over a mark3labs MCP client.
type mcpHandle struct {
	backend string
	client  *client.Client
}

// Negotiate runs the MCP initialize handshake, then queries every
// capability kind the server advertises.
func (h *mcpHandle) Negotiate(ctx context.Context) (*mux.CapabilityList, error) {
	result, err := h.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcpmux",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: backend %s: %v", mux.ErrNegotiationFailed, h.backend, err)
	}
	serverCaps := result.Capabilities

	caps := &mux.CapabilityList{}

	if serverCaps.Tools != nil {
		resp, err := h.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("%w: listing tools on backend %s: %v", mux.ErrNegotiationFailed, h.backend, err)
		}
		caps.Tools = make([]mux.Tool, len(resp.Tools))
		for i, tool := range resp.Tools {
			caps.Tools[i] = mux.Tool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: toolSchemaToMap(tool),
				Backend:     h.backend,
			}
		}
	}

	if serverCaps.Resources != nil {
		resp, err := h.client.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, fmt.Errorf("%w: listing resources on backend %s: %v", mux.ErrNegotiationFailed, h.backend, err)
		}
		caps.Resources = make([]mux.Resource, len(resp.Resources))
		for i, res := range resp.Resources {
			caps.Resources[i] = mux.Resource{
				URI:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MimeType:    res.MIMEType,
				Backend:     h.backend,
			}
		}
	}

	if serverCaps.Prompts != nil {
		resp, err := h.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			return nil, fmt.Errorf("%w: listing prompts on backend %s: %v", mux.ErrNegotiationFailed, h.backend, err)
		}
		caps.Prompts = make([]mux.Prompt, len(resp.Prompts))
		for i, prompt := range resp.Prompts {
			args := make([]mux.PromptArgument, len(prompt.Arguments))
			for j, arg := range prompt.Arguments {
				args[j] = mux.PromptArgument{
					Name:        arg.Name,
					Description: arg.Description,
					Required:    arg.Required,
				}
			}
			caps.Prompts[i] = mux.Prompt{
				Name:        prompt.Name,
				Description: prompt.Description,
				Arguments:   args,
				Backend:     h.backend,
			}
		}
	}

	logger.Debugw("negotiated backend capabilities",
		"backend", h.backend,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"prompts", len(caps.Prompts))

	return caps, nil
}

// toolSchemaToMap converts the SDK's input schema struct to the plain
// map the catalog stores.
func toolSchemaToMap(tool mcp.Tool) map[string]any {
	schema := map[string]any{
		"type": tool.InputSchema.Type,
	}
	if tool.InputSchema.Properties != nil {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		schema["required"] = tool.InputSchema.Required
	}
	return schema
}

// CallTool invokes a tool on the backend.
func (h *mcpHandle) CallTool(ctx context.Context, name string, args map[string]any) (*mux.ToolCallResult, error) {
	result, err := h.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, mux.WrapBackendError(err, h.backend, "call tool")
	}

	content := make([]mux.Content, len(result.Content))
	for i, c := range result.Content {
		content[i] = convertContent(c)
	}

	var structured map[string]any
	if result.StructuredContent != nil {
		if m, ok := result.StructuredContent.(map[string]any); ok {
			structured = m
		}
	}

	return &mux.ToolCallResult{
		Content:           content,
		StructuredContent: structured,
		IsError:           result.IsError,
	}, nil
}

// ReadResource reads a resource from the backend. Text and blob
// contents are concatenated; the first content's MIME type wins.
func (h *mcpHandle) ReadResource(ctx context.Context, uri string) (*mux.ResourceReadResult, error) {
	result, err := h.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	})
	if err != nil {
		return nil, mux.WrapBackendError(err, h.backend, "read resource")
	}

	var data []byte
	var mimeType string
	for i, content := range result.Contents {
		if text, ok := mcp.AsTextResourceContents(content); ok {
			data = append(data, text.Text...)
			if i == 0 {
				mimeType = text.MIMEType
			}
			continue
		}
		if blob, ok := mcp.AsBlobResourceContents(content); ok {
			decoded, err := base64.StdEncoding.DecodeString(blob.Blob)
			if err != nil {
				return nil, fmt.Errorf("backend %s returned invalid blob for %s: %w", h.backend, uri, err)
			}
			data = append(data, decoded...)
			if i == 0 {
				mimeType = blob.MIMEType
			}
		}
	}

	return &mux.ResourceReadResult{Contents: data, MimeType: mimeType}, nil
}

// GetPrompt retrieves a prompt from the backend.
func (h *mcpHandle) GetPrompt(ctx context.Context, name string, args map[string]string) (*mux.PromptGetResult, error) {
	result, err := h.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, mux.WrapBackendError(err, h.backend, "get prompt")
	}

	messages := make([]mux.PromptMessage, len(result.Messages))
	for i, msg := range result.Messages {
		converted := convertContent(msg.Content)
		messages[i] = mux.PromptMessage{
			Role: string(msg.Role),
			Text: converted.Text,
		}
	}

	return &mux.PromptGetResult{
		Description: result.Description,
		Messages:    messages,
	}, nil
}

// Ping checks the connection.
func (h *mcpHandle) Ping(ctx context.Context) error {
	if err := h.client.Ping(ctx); err != nil {
		return mux.WrapBackendError(err, h.backend, "ping")
	}
	return nil
}

// Close tears down the connection; for stdio backends this ends the
// child process.
func (h *mcpHandle) Close() error {
	return h.client.Close()
}

// convertContent normalizes SDK content to the domain representation.
func convertContent(content mcp.Content) mux.Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return mux.Content{Type: "text", Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return mux.Content{Type: "image", Data: image.Data, MimeType: image.MIMEType}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return mux.Content{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType}
	}
	logger.Warnf("unknown content type %T from backend, passing through as unknown", content)
	return mux.Content{Type: "unknown"}
}
