package server

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/session"
)

type stubRouter struct{}

func (stubRouter) ResolveTool(context.Context, string) (*mux.Target, error) {
	return nil, mux.ErrUnknownCapability
}

func (stubRouter) ResolveResource(context.Context, string) (*mux.Target, error) {
	return nil, mux.ErrUnknownCapability
}

func (stubRouter) ResolvePrompt(context.Context, string) (*mux.Target, error) {
	return nil, mux.ErrUnknownCapability
}

type stubDispatcher struct{}

func (stubDispatcher) Acquire(string) (uint64, error) { return 0, mux.ErrBackendUnavailable }

func (stubDispatcher) CallTool(context.Context, string, uint64, string, map[string]any) (*mux.ToolCallResult, error) {
	return nil, mux.ErrBackendUnavailable
}

func (stubDispatcher) ReadResource(context.Context, string, uint64, string) (*mux.ResourceReadResult, error) {
	return nil, mux.ErrBackendUnavailable
}

func (stubDispatcher) GetPrompt(context.Context, string, uint64, string, map[string]string) (*mux.PromptGetResult, error) {
	return nil, mux.ErrBackendUnavailable
}

func newAdapter() (*sessionIDAdapter, *session.Manager) {
	manager := session.NewManager(stubRouter{}, stubDispatcher{}, time.Hour)
	return newSessionIDAdapter(manager), manager
}

func TestGenerateRegistersSession(t *testing.T) {
	t.Parallel()

	adapter, manager := newAdapter()
	id := adapter.Generate()
	require.NotEmpty(t, id)

	_, ok := manager.Get(id)
	assert.True(t, ok, "generated session must exist before the response is sent")
}

func TestValidateKnownAndUnknown(t *testing.T) {
	t.Parallel()

	adapter, _ := newAdapter()
	id := adapter.Generate()

	terminated, err := adapter.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	_, err = adapter.Validate("no-such-session")
	assert.Error(t, err, "unknown IDs must be rejected so clients re-initialize")

	_, err = adapter.Validate("")
	assert.Error(t, err)
}

func TestTerminateClosesSession(t *testing.T) {
	t.Parallel()

	adapter, manager := newAdapter()
	id := adapter.Generate()

	notAllowed, err := adapter.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	_, ok := manager.Get(id)
	assert.False(t, ok)

	// Deleting an already-expired session is fine.
	notAllowed, err = adapter.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)

	_, err = adapter.Terminate("")
	assert.Error(t, err)
}

func TestConvertContent(t *testing.T) {
	t.Parallel()

	text := convertContent(mux.Content{Type: "text", Text: "hello"})
	tc, ok := text.(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", tc.Text)

	image := convertContent(mux.Content{Type: "image", Data: "aGk=", MimeType: "image/png"})
	ic, ok := image.(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", ic.MIMEType)

	audio := convertContent(mux.Content{Type: "audio", Data: "aGk=", MimeType: "audio/wav"})
	ac, ok := audio.(mcp.AudioContent)
	require.True(t, ok)
	assert.Equal(t, "audio/wav", ac.MIMEType)

	// Unknown types degrade to text rather than dropping content.
	fallback := convertContent(mux.Content{Type: "mystery", Text: "x"})
	_, ok = fallback.(mcp.TextContent)
	assert.True(t, ok)
}
