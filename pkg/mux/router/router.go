// Package router maps qualified capability names from the unified
// surface to concrete backend targets.
//
// Resolution always runs against the catalog snapshot current at call
// time, never against names cached when a session was created. A name
// can only resolve to a backend that contributed it, so a client cannot
// smuggle a call to an arbitrary backend by crafting a name.
package router

import (
	"context"
	"fmt"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
)

// Router resolves qualified names to routing targets.
type Router interface {
	// ResolveTool maps a qualified tool name to its backend target.
	ResolveTool(ctx context.Context, name string) (*mux.Target, error)

	// ResolveResource maps a resource URI to its backend target.
	ResolveResource(ctx context.Context, uri string) (*mux.Target, error)

	// ResolvePrompt maps a qualified prompt name to its backend target.
	ResolvePrompt(ctx context.Context, name string) (*mux.Target, error)
}

// StateReader reports backend lifecycle state. Satisfied by the
// registry; the router only needs this one read.
type StateReader interface {
	State(name string) (mux.BackendState, bool)
}

type defaultRouter struct {
	catalog *catalog.Catalog
	states  StateReader
}

// New creates a router reading from cat and consulting states to
// distinguish unknown names from known-but-unavailable backends.
func New(cat *catalog.Catalog, states StateReader) Router {
	return &defaultRouter{catalog: cat, states: states}
}

func (r *defaultRouter) ResolveTool(ctx context.Context, name string) (*mux.Target, error) {
	snap := r.catalog.Snapshot()
	entry, ok := snap.Tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: tool %s", mux.ErrUnknownCapability, name)
	}
	return r.target(ctx, entry)
}

func (r *defaultRouter) ResolveResource(ctx context.Context, uri string) (*mux.Target, error) {
	snap := r.catalog.Snapshot()
	entry, ok := snap.Resources[uri]
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", mux.ErrUnknownCapability, uri)
	}
	return r.target(ctx, entry)
}

func (r *defaultRouter) ResolvePrompt(ctx context.Context, name string) (*mux.Target, error) {
	snap := r.catalog.Snapshot()
	entry, ok := snap.Prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: prompt %s", mux.ErrUnknownCapability, name)
	}
	return r.target(ctx, entry)
}

// target turns a catalog entry into a routing target, rejecting
// backends that are not currently routable. The name stays in the
// catalog while a backend is Degraded, so callers get a retriable
// unavailable error instead of unknown-capability.
func (r *defaultRouter) target(_ context.Context, entry catalog.Entry) (*mux.Target, error) {
	state, ok := r.states.State(entry.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: backend %s is no longer registered", mux.ErrBackendUnavailable, entry.Backend)
	}
	if !state.Routable() {
		logger.Debugw("capability resolved to unroutable backend",
			"capability", entry.QualifiedName, "backend", entry.Backend, "state", state)
		return nil, fmt.Errorf("%w: backend %s is %s", mux.ErrBackendUnavailable, entry.Backend, state)
	}

	return &mux.Target{
		Backend:       entry.Backend,
		QualifiedName: entry.QualifiedName,
		BackendName:   entry.OriginalName,
		Kind:          entry.Kind,
	}, nil
}
