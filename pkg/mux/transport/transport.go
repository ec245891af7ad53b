// Package transport provides the uniform adapter over a backend MCP
// connection, whether the backend is a spawned child process (stdio) or
// a network endpoint (streamable HTTP or SSE).
//
// Only the registry opens transports. A handle represents one OS
// process or one connection; opening twice for the same live backend is
// a lifecycle bug the registry is structured to prevent.
package transport

import (
	"context"
	"sort"
	"strings"

	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/config"
)

// Handle is one established channel to one backend server instance.
// Implementations must be safe for concurrent use; the underlying MCP
// client correlates concurrent requests by ID, so a late response to a
// timed-out request is discarded rather than mis-delivered.
type Handle interface {
	// Negotiate performs the MCP initialize handshake and capability
	// discovery. Must be called once, before any forwarding call.
	Negotiate(ctx context.Context) (*mux.CapabilityList, error)

	// CallTool invokes a tool by its backend-side name.
	CallTool(ctx context.Context, name string, args map[string]any) (*mux.ToolCallResult, error)

	// ReadResource reads a resource by its backend-side URI.
	ReadResource(ctx context.Context, uri string) (*mux.ResourceReadResult, error)

	// GetPrompt retrieves a prompt by its backend-side name.
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mux.PromptGetResult, error)

	// Ping checks connection liveness.
	Ping(ctx context.Context) error

	// Close tears down the connection and, for stdio backends, the
	// child process.
	Close() error
}

// Opener opens transports for backend descriptors. The registry is its
// only caller; tests substitute a fake.
type Opener interface {
	// Open creates the process or connection for cfg and returns a live
	// handle. Launch errors wrap mux.ErrLaunchFailed.
	Open(ctx context.Context, cfg *config.BackendConfig) (Handle, error)
}

// MergeEnv merges overlay onto a base environment of KEY=VALUE entries,
// with overlay winning on conflict. It is a pure function: the one
// place environment composition happens, invoked exactly once per
// stdio Open, so the "one process, fully configured" invariant stays
// auditable.
func MergeEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	order := make([]string, 0, len(base)+len(overlay))

	for _, kv := range base {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = val
	}

	overlayKeys := make([]string, 0, len(overlay))
	for key := range overlay {
		overlayKeys = append(overlayKeys, key)
	}
	sort.Strings(overlayKeys)
	for _, key := range overlayKeys {
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = overlay[key]
	}

	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+merged[key])
	}
	return env
}
