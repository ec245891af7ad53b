package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
)

type fakeStates struct {
	states map[string]mux.BackendState
}

func (f *fakeStates) State(name string) (mux.BackendState, bool) {
	s, ok := f.states[name]
	return s, ok
}

func newTestRouter(t *testing.T) (Router, *catalog.Catalog, *fakeStates) {
	t.Helper()
	cat := catalog.New()
	states := &fakeStates{states: map[string]mux.BackendState{}}
	return New(cat, states), cat, states
}

func TestResolveTool(t *testing.T) {
	t.Parallel()

	rt, cat, states := newTestRouter(t)
	cat.SetBackend("alpha", "files", &mux.CapabilityList{
		Tools: []mux.Tool{{Name: "search"}},
	})
	states.states["alpha"] = mux.StateReady

	target, err := rt.ResolveTool(context.Background(), "files_search")
	require.NoError(t, err)
	assert.Equal(t, "alpha", target.Backend)
	assert.Equal(t, "files_search", target.QualifiedName)
	assert.Equal(t, "search", target.ForwardName(), "forwarded call must use the backend's own name")
	assert.Equal(t, mux.CapabilityTool, target.Kind)
}

func TestResolveUnknownName(t *testing.T) {
	t.Parallel()

	rt, _, _ := newTestRouter(t)

	_, err := rt.ResolveTool(context.Background(), "nope")
	assert.ErrorIs(t, err, mux.ErrUnknownCapability)

	_, err = rt.ResolveResource(context.Background(), "file:///nope")
	assert.ErrorIs(t, err, mux.ErrUnknownCapability)

	_, err = rt.ResolvePrompt(context.Background(), "nope")
	assert.ErrorIs(t, err, mux.ErrUnknownCapability)
}

func TestResolveDegradedBackendUnavailable(t *testing.T) {
	t.Parallel()

	rt, cat, states := newTestRouter(t)
	cat.SetBackend("alpha", "", &mux.CapabilityList{Tools: []mux.Tool{{Name: "search"}}})
	states.states["alpha"] = mux.StateDegraded

	// The name stays resolvable while the backend reconnects; the
	// caller gets a retriable unavailable error, not unknown.
	_, err := rt.ResolveTool(context.Background(), "search")
	assert.ErrorIs(t, err, mux.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, mux.ErrUnknownCapability)
}

func TestResolveUnregisteredBackend(t *testing.T) {
	t.Parallel()

	rt, cat, _ := newTestRouter(t)
	cat.SetBackend("alpha", "", &mux.CapabilityList{Tools: []mux.Tool{{Name: "search"}}})

	_, err := rt.ResolveTool(context.Background(), "search")
	assert.ErrorIs(t, err, mux.ErrBackendUnavailable)
}

func TestResolveResourceAndPrompt(t *testing.T) {
	t.Parallel()

	rt, cat, states := newTestRouter(t)
	cat.SetBackend("alpha", "", &mux.CapabilityList{
		Resources: []mux.Resource{{URI: "file:///data"}},
		Prompts:   []mux.Prompt{{Name: "summarize"}},
	})
	states.states["alpha"] = mux.StateReady

	res, err := rt.ResolveResource(context.Background(), "file:///data")
	require.NoError(t, err)
	assert.Equal(t, mux.CapabilityResource, res.Kind)

	prompt, err := rt.ResolvePrompt(context.Background(), "summarize")
	require.NoError(t, err)
	assert.Equal(t, mux.CapabilityPrompt, prompt.Kind)
}

func TestResolutionTracksCurrentSnapshot(t *testing.T) {
	t.Parallel()

	rt, cat, states := newTestRouter(t)
	cat.SetBackend("alpha", "", &mux.CapabilityList{Tools: []mux.Tool{{Name: "search"}}})
	states.states["alpha"] = mux.StateReady

	_, err := rt.ResolveTool(context.Background(), "search")
	require.NoError(t, err)

	// A collision appears: both names re-qualify, the bare one is gone.
	cat.SetBackend("beta", "", &mux.CapabilityList{Tools: []mux.Tool{{Name: "search"}}})
	states.states["beta"] = mux.StateReady

	_, err = rt.ResolveTool(context.Background(), "search")
	assert.ErrorIs(t, err, mux.ErrUnknownCapability)

	target, err := rt.ResolveTool(context.Background(), "beta_search")
	require.NoError(t, err)
	assert.Equal(t, "beta", target.Backend)
}
