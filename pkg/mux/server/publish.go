package server

import (
	"encoding/json"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
)

// publish pushes a catalog snapshot into the SDK server so connected
// clients see the current unified surface. The SDK emits list_changed
// notifications on its own; a backend joining or leaving is observable
// without reconnecting.
//
// Tools are replaced wholesale. Resources and prompts have no bulk
// replace in the SDK, so the previously published names are tracked
// and diffed here.
func (s *Server) publish(snap *catalog.Snapshot) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.publishTools(snap)
	s.publishResources(snap)
	s.publishPrompts(snap)

	logger.Infow("capability surface updated",
		"tools", len(snap.Tools),
		"resources", len(snap.Resources),
		"prompts", len(snap.Prompts))
}

func (s *Server) publishTools(snap *catalog.Snapshot) {
	names := make([]string, 0, len(snap.Tools))
	for name := range snap.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]sdkserver.ServerTool, 0, len(names))
	for _, name := range names {
		entry := snap.Tools[name]
		schemaJSON, err := json.Marshal(entry.Tool.InputSchema)
		if err != nil {
			logger.Warnw("failed to marshal tool schema, skipping tool",
				"tool", name, "backend", entry.Backend, "error", err)
			continue
		}
		tools = append(tools, sdkserver.ServerTool{
			Tool: mcp.Tool{
				Name:           entry.QualifiedName,
				Description:    entry.Tool.Description,
				RawInputSchema: schemaJSON,
			},
			Handler: s.toolHandler(entry.QualifiedName),
		})
	}
	s.mcpServer.SetTools(tools...)
}

func (s *Server) publishResources(snap *catalog.Snapshot) {
	for uri := range s.publishedResources {
		if _, ok := snap.Resources[uri]; !ok {
			s.mcpServer.RemoveResource(uri)
			delete(s.publishedResources, uri)
		}
	}
	for uri, entry := range snap.Resources {
		if s.publishedResources[uri] {
			continue
		}
		s.mcpServer.AddResource(mcp.Resource{
			URI:         entry.QualifiedName,
			Name:        entry.Resource.Name,
			Description: entry.Resource.Description,
			MIMEType:    entry.Resource.MimeType,
		}, s.resourceHandler(entry.QualifiedName))
		s.publishedResources[uri] = true
	}
}

func (s *Server) publishPrompts(snap *catalog.Snapshot) {
	var stale []string
	for name := range s.publishedPrompts {
		if _, ok := snap.Prompts[name]; !ok {
			stale = append(stale, name)
			delete(s.publishedPrompts, name)
		}
	}
	if len(stale) > 0 {
		s.mcpServer.DeletePrompts(stale...)
	}
	for name, entry := range snap.Prompts {
		if s.publishedPrompts[name] {
			continue
		}
		args := make([]mcp.PromptArgument, 0, len(entry.Prompt.Arguments))
		for _, arg := range entry.Prompt.Arguments {
			args = append(args, mcp.PromptArgument{
				Name:        arg.Name,
				Description: arg.Description,
				Required:    arg.Required,
			})
		}
		s.mcpServer.AddPrompt(mcp.Prompt{
			Name:        entry.QualifiedName,
			Description: entry.Prompt.Description,
			Arguments:   args,
		}, s.promptHandler(entry.QualifiedName))
		s.publishedPrompts[name] = true
	}
}
