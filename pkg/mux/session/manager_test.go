package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/pkg/mux"
)

// fakeRouter resolves every tool name to a fixed backend.
type fakeRouter struct {
	backend string
	err     error
}

func (f *fakeRouter) ResolveTool(_ context.Context, name string) (*mux.Target, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mux.Target{Backend: f.backend, QualifiedName: name, Kind: mux.CapabilityTool}, nil
}

func (f *fakeRouter) ResolveResource(_ context.Context, uri string) (*mux.Target, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mux.Target{Backend: f.backend, QualifiedName: uri, Kind: mux.CapabilityResource}, nil
}

func (f *fakeRouter) ResolvePrompt(_ context.Context, name string) (*mux.Target, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mux.Target{Backend: f.backend, QualifiedName: name, Kind: mux.CapabilityPrompt}, nil
}

// fakeDispatcher tracks acquisitions and scripts per-generation call
// failures.
type fakeDispatcher struct {
	mu         sync.Mutex
	generation uint64
	acquires   int
	calls      []uint64

	acquireErr error
	// invalidateBelow makes calls bound to a generation lower than it
	// fail with ErrSessionInvalidated, mimicking a backend restart.
	invalidateBelow uint64
}

func (f *fakeDispatcher) Acquire(string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return 0, f.acquireErr
	}
	f.acquires++
	return f.generation, nil
}

func (f *fakeDispatcher) callAt(gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, gen)
	if gen < f.invalidateBelow {
		return fmt.Errorf("%w: backend alpha was reset", mux.ErrSessionInvalidated)
	}
	return nil
}

func (f *fakeDispatcher) CallTool(_ context.Context, _ string, gen uint64, _ string, _ map[string]any) (*mux.ToolCallResult, error) {
	if err := f.callAt(gen); err != nil {
		return nil, err
	}
	return &mux.ToolCallResult{Content: []mux.Content{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeDispatcher) ReadResource(_ context.Context, _ string, gen uint64, _ string) (*mux.ResourceReadResult, error) {
	if err := f.callAt(gen); err != nil {
		return nil, err
	}
	return &mux.ResourceReadResult{Contents: []byte("data"), MimeType: "text/plain"}, nil
}

func (f *fakeDispatcher) GetPrompt(_ context.Context, _ string, gen uint64, _ string, _ map[string]string) (*mux.PromptGetResult, error) {
	if err := f.callAt(gen); err != nil {
		return nil, err
	}
	return &mux.PromptGetResult{Messages: []mux.PromptMessage{{Role: "user", Text: "hi"}}}, nil
}

func newTestManager(ttl time.Duration) (*Manager, *fakeDispatcher) {
	d := &fakeDispatcher{generation: 1}
	m := NewManager(&fakeRouter{backend: "alpha"}, d, ttl)
	return m, d
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(0)
	s1 := m.GetOrCreate("sess-1")
	s2 := m.GetOrCreate("sess-1")
	assert.Same(t, s1, s2)
	assert.Equal(t, "sess-1", s1.ID())
	assert.Equal(t, 1, m.Count())
}

func TestCallToolBindsLazily(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)

	result, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content[0].Text)
	assert.Equal(t, 1, d.acquires)

	// Second call through the same session reuses the binding.
	_, err = m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.acquires)
}

func TestSessionsBindIndependently(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)

	_, err := m.CallTool(context.Background(), "sess-a", "search", nil)
	require.NoError(t, err)
	_, err = m.CallTool(context.Background(), "sess-b", "search", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, d.acquires, "each session acquires its own handle")
	assert.Equal(t, 2, m.Count())
}

func TestStaleHandleReacquiredOnce(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)

	// Bind the session at generation 1.
	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)

	// Backend restarts: generation advances, old binding is stale.
	d.mu.Lock()
	d.generation = 2
	d.invalidateBelow = 2
	d.mu.Unlock()

	result, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err, "one restart must be transparent to the client")
	assert.Equal(t, "ok", result.Content[0].Text)

	d.mu.Lock()
	calls := append([]uint64(nil), d.calls...)
	d.mu.Unlock()
	require.Len(t, calls, 3)
	assert.Equal(t, uint64(1), calls[1], "retry starts from the stale generation")
	assert.Equal(t, uint64(2), calls[2], "retry lands on the fresh generation")
}

func TestRepeatedInvalidationSurfaces(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)

	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)

	// Every generation the fake hands out is already stale, so the
	// re-acquired handle fails too.
	d.mu.Lock()
	d.invalidateBelow = 100
	d.mu.Unlock()

	_, err = m.CallTool(context.Background(), "sess-1", "search", nil)
	assert.ErrorIs(t, err, mux.ErrSessionInvalidated)
}

func TestAcquireFailureSurfaces(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)
	d.acquireErr = fmt.Errorf("%w: backend alpha is degraded", mux.ErrBackendUnavailable)

	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	assert.ErrorIs(t, err, mux.ErrBackendUnavailable)
}

func TestRouterErrorShortCircuits(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{generation: 1}
	m := NewManager(&fakeRouter{err: mux.ErrUnknownCapability}, d, 0)

	_, err := m.CallTool(context.Background(), "sess-1", "nope", nil)
	assert.ErrorIs(t, err, mux.ErrUnknownCapability)
	assert.Zero(t, d.acquires, "resolution failure must not touch backends")
}

func TestInvalidateBackendDropsOnlyThatBinding(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{generation: 1}
	routerA := &fakeRouter{backend: "alpha"}
	m := NewManager(routerA, d, 0)

	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)

	// Bind the same session to a second backend.
	routerA.backend = "beta"
	_, err = m.CallTool(context.Background(), "sess-1", "other", nil)
	require.NoError(t, err)
	require.Equal(t, 2, d.acquires)

	m.InvalidateBackend("alpha")

	// Beta's binding survives; alpha's is re-acquired.
	_, err = m.CallTool(context.Background(), "sess-1", "other", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d.acquires)

	routerA.backend = "alpha"
	_, err = m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.acquires)
}

func TestCloseForgetsSession(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(0)
	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)

	m.Close("sess-1")
	assert.Zero(t, m.Count())
	_, ok := m.Get("sess-1")
	assert.False(t, ok)

	// Closing an unknown session is harmless.
	m.Close("sess-1")

	// A new request under the same ID starts from scratch.
	_, err = m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d.acquires)
}

func TestRequestRacingCloseFailsCleanly(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(0)
	s := m.GetOrCreate("sess-1")
	_, err := m.CallTool(context.Background(), "sess-1", "search", nil)
	require.NoError(t, err)

	// The client's DELETE lands while a request holding the session is
	// still in flight. The request must fail, not panic.
	m.Close("sess-1")

	_, err = dispatch(context.Background(), m, s, "alpha", func(uint64) (*mux.ToolCallResult, error) {
		return &mux.ToolCallResult{}, nil
	})
	assert.ErrorIs(t, err, mux.ErrSessionInvalidated)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.GetOrCreate("idle")
	m.GetOrCreate("active")

	// Time passes; only one session stays in use.
	base = base.Add(45 * time.Second)
	m.GetOrCreate("active")
	base = base.Add(30 * time.Second)

	m.sweep()
	assert.Equal(t, 1, m.Count())
	_, ok := m.Get("active")
	assert.True(t, ok)
	_, ok = m.Get("idle")
	assert.False(t, ok)
}

func TestReadResourceAndGetPrompt(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(0)

	res, err := m.ReadResource(context.Background(), "sess-1", "file:///data")
	require.NoError(t, err)
	assert.Equal(t, "data", string(res.Contents))

	prompt, err := m.GetPrompt(context.Background(), "sess-1", "summarize", map[string]string{"topic": "go"})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "hi", prompt.Messages[0].Text)
}

func TestNewSessionIDUnique(t *testing.T) {
	t.Parallel()

	a := NewSessionID()
	b := NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
