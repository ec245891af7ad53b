// Package mux contains the shared domain types for the MCP aggregation
// proxy: backend descriptors, capability values, and the error taxonomy
// used across subpackages.
package mux

// TransportKind identifies the channel a backend is reached over.
type TransportKind string

const (
	// TransportStdio is a spawned child process speaking MCP over
	// stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportStreamableHTTP is the streamable HTTP transport protocol.
	TransportStreamableHTTP TransportKind = "streamable-http"

	// TransportSSE is the Server-Sent Events transport protocol.
	TransportSSE TransportKind = "sse"
)

// BackendState is the lifecycle state of a backend connection.
// Transitions are driven exclusively by the registry; see
// pkg/mux/registry for the state machine.
type BackendState string

const (
	// StateStopped means no connection exists and none is being made.
	StateStopped BackendState = "stopped"

	// StateStarting means the transport is being opened (process spawn
	// or network dial in progress).
	StateStarting BackendState = "starting"

	// StateNegotiating means the transport is open and the MCP
	// initialize/capability-discovery handshake is running.
	StateNegotiating BackendState = "negotiating"

	// StateReady means the backend is connected, negotiated, and its
	// capabilities are published in the catalog.
	StateReady BackendState = "ready"

	// StateDegraded means the connection failed a liveness check or an
	// I/O operation; a reconnect loop is running. Requests fail fast.
	StateDegraded BackendState = "degraded"

	// StateStopping means an orderly shutdown for this backend is in
	// progress.
	StateStopping BackendState = "stopping"

	// StateFailed means the retry budget is exhausted or the launch was
	// unrecoverable. The backend stays down until an operator restart.
	StateFailed BackendState = "failed"
)

// Routable reports whether requests may be dispatched to a backend in
// this state.
func (s BackendState) Routable() bool {
	return s == StateReady
}

// CapabilityKind tags the variant of an aggregated capability.
type CapabilityKind string

const (
	// CapabilityTool is a callable tool.
	CapabilityTool CapabilityKind = "tool"

	// CapabilityResource is a readable resource, addressed by URI.
	CapabilityResource CapabilityKind = "resource"

	// CapabilityPrompt is a retrievable prompt template.
	CapabilityPrompt CapabilityKind = "prompt"
)

// Tool is a tool descriptor as reported by a backend.
type Tool struct {
	// Name is the tool's name as the backend knows it.
	Name string

	// Description is the human-readable tool description.
	Description string

	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema map[string]any

	// Backend is the name of the backend exposing this tool.
	Backend string
}

// Resource is a resource descriptor as reported by a backend.
type Resource struct {
	// URI addresses the resource on its backend.
	URI string

	// Name is the human-readable resource name.
	Name string

	// Description is the resource description.
	Description string

	// MimeType is the resource content type, if the backend reports one.
	MimeType string

	// Backend is the name of the backend exposing this resource.
	Backend string
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Prompt is a prompt descriptor as reported by a backend.
type Prompt struct {
	// Name is the prompt's name as the backend knows it.
	Name string

	// Description is the prompt description.
	Description string

	// Arguments are the arguments the prompt accepts.
	Arguments []PromptArgument

	// Backend is the name of the backend exposing this prompt.
	Backend string
}

// CapabilityList holds everything one backend reported during
// negotiation.
type CapabilityList struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}

// Content is one element of a tool result, normalized from the wire
// representation.
type Content struct {
	// Type is "text", "image", "audio", or "unknown".
	Type string

	// Text is set for text content.
	Text string

	// Data is base64-encoded payload for image/audio content.
	Data string

	// MimeType is the payload content type for image/audio content.
	MimeType string
}

// ToolCallResult is the outcome of a forwarded tool call.
type ToolCallResult struct {
	Content           []Content
	StructuredContent map[string]any
	IsError           bool
}

// ResourceReadResult is the outcome of a forwarded resource read.
type ResourceReadResult struct {
	Contents []byte
	MimeType string
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role string
	Text string
}

// PromptGetResult is the outcome of a forwarded prompt request.
type PromptGetResult struct {
	Description string
	Messages    []PromptMessage
}

// Target identifies where a resolved capability lives and how to name
// it when forwarding. Produced by the router, consumed by the session
// manager and the frontend.
type Target struct {
	// Backend is the owning backend's configured name.
	Backend string

	// QualifiedName is the name the client addressed the capability by.
	QualifiedName string

	// BackendName is the capability's name (or URI) as the backend
	// knows it. When namespace qualification renamed the capability,
	// this differs from QualifiedName; requests forwarded to the
	// backend must use it.
	BackendName string

	// Kind is the capability variant.
	Kind CapabilityKind
}

// ForwardName returns the name to use when forwarding a request to the
// backend.
func (t *Target) ForwardName() string {
	if t.BackendName != "" {
		return t.BackendName
	}
	return t.QualifiedName
}
