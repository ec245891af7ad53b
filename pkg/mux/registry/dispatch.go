package registry

import (
	"context"
	"fmt"

	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/transport"
)

// Acquire returns the current generation of a Ready backend. Session
// handles bind to this generation; every forwarded call re-checks it.
func (r *Registry) Acquire(name string) (uint64, error) {
	e, ok := r.lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: backend %s is not registered", mux.ErrBackendUnavailable, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != mux.StateReady {
		return 0, fmt.Errorf("%w: backend %s is %s", mux.ErrBackendUnavailable, name, e.state)
	}
	return e.generation, nil
}

// checkout snapshots the live handle for a generation-bound call. The
// lock is held only for the snapshot; the actual I/O runs without it.
func (r *Registry) checkout(name string, generation uint64) (transport.Handle, func(context.Context) (context.Context, context.CancelFunc), error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: backend %s is not registered", mux.ErrBackendUnavailable, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != mux.StateReady {
		return nil, nil, fmt.Errorf("%w: backend %s is %s", mux.ErrBackendUnavailable, name, e.state)
	}
	if e.generation != generation {
		return nil, nil, fmt.Errorf("%w: backend %s was reset (generation %d, handle bound to %d)",
			mux.ErrSessionInvalidated, name, e.generation, generation)
	}

	timeout := e.cfg.Timeout.Duration()
	withTimeout := func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, timeout)
	}
	return e.handle, withTimeout, nil
}

// observe inspects a call error and degrades the backend when the
// connection itself looks dead. Per-call timeouts and application
// errors leave the connection alone; the late response, if any, is
// discarded by the transport layer.
func (r *Registry) observe(name string, err error) {
	if err == nil {
		return
	}
	if mux.IsConnectionError(err) {
		r.MarkDegraded(name, err)
	}
}

// CallTool forwards a tool invocation to a backend, bound to a
// generation acquired earlier.
func (r *Registry) CallTool(ctx context.Context, name string, generation uint64, tool string, args map[string]any) (*mux.ToolCallResult, error) {
	handle, withTimeout, err := r.checkout(name, generation)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := handle.CallTool(callCtx, tool, args)
	r.observe(name, err)
	return result, err
}

// ReadResource forwards a resource read to a backend.
func (r *Registry) ReadResource(ctx context.Context, name string, generation uint64, uri string) (*mux.ResourceReadResult, error) {
	handle, withTimeout, err := r.checkout(name, generation)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := handle.ReadResource(callCtx, uri)
	r.observe(name, err)
	return result, err
}

// GetPrompt forwards a prompt retrieval to a backend.
func (r *Registry) GetPrompt(ctx context.Context, name string, generation uint64, prompt string, args map[string]string) (*mux.PromptGetResult, error) {
	handle, withTimeout, err := r.checkout(name, generation)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := handle.GetPrompt(callCtx, prompt, args)
	r.observe(name, err)
	return result, err
}

// Ping probes the live connection of a Ready backend. Used by the
// health monitor; the monitor applies its own timeout via ctx.
func (r *Registry) Ping(ctx context.Context, name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: backend %s is not registered", mux.ErrBackendUnavailable, name)
	}
	e.mu.Lock()
	if e.state != mux.StateReady {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: backend %s is %s", mux.ErrBackendUnavailable, name, state)
	}
	handle := e.handle
	e.mu.Unlock()

	return handle.Ping(ctx)
}
