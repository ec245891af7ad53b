// Package registry owns the set of configured backends and the full
// lifecycle of their connections.
//
// The registry is the single owner of backend connections: no other
// component opens a transport. Every lifecycle state transition for a
// backend runs under that backend's entry lock; dials and handshakes
// run outside it so readers fail fast, and each attempt commits only if
// no stop or newer attempt superseded it. At most one live connection
// exists per enabled descriptor at any instant.
//
// State machine per backend:
//
//	Stopped → Starting → Negotiating → Ready → Degraded → (reconnect)
//	                                      ↘ Stopping → Stopped
//	Starting/Negotiating/Ready → Failed (budget exhausted / fatal)
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
	"github.com/mcpmux/mcpmux/pkg/mux/config"
	"github.com/mcpmux/mcpmux/pkg/mux/transport"
)

// SessionInvalidator is notified when a backend's connection is reset
// so handles bound to the old generation can be dropped. Implemented by
// the session manager. Implementations must not call back into the
// registry.
type SessionInvalidator interface {
	InvalidateBackend(name string)
}

// noopInvalidator is used until a session manager is attached.
type noopInvalidator struct{}

func (noopInvalidator) InvalidateBackend(string) {}

// entry is the registry's record for one backend. Its mutex serializes
// all lifecycle transitions for the backend.
type entry struct {
	mu sync.Mutex

	cfg   config.BackendConfig
	state mux.BackendState

	// handle is the live connection when state is Ready (and during
	// Negotiating). Nil in every other state; the single-connection
	// invariant is "handle non-nil implies no other open call runs".
	handle transport.Handle

	// generation increments every time a new connection reaches Ready.
	// Session handles are bound to a generation; a mismatch means the
	// backend was reset under the session.
	generation uint64

	lastErr    error
	retryCount int
	readySince time.Time

	// connectSeq invalidates in-flight connect attempts. Each attempt
	// captures the value at start and commits only if it is unchanged;
	// stopEntry bumps it, so a dial racing a stop never installs its
	// handle.
	connectSeq uint64

	// reconnect is the running reconnect loop, nil when none.
	reconnect *reconnectLoop
}

// reconnectLoop identifies one reconnect loop. The loop clears
// entry.reconnect only while it still points at itself, so a newer
// loop's registration survives an older loop's exit.
type reconnectLoop struct {
	cancel context.CancelFunc
}

// Registry manages all configured backends.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	opener   transport.Opener
	catalog  *catalog.Catalog
	sessions SessionInvalidator

	// ctx bounds background reconnect loops; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty registry using opener for connections and cat
// for capability publication.
func New(opener transport.Opener, cat *catalog.Catalog) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:  make(map[string]*entry),
		opener:   opener,
		catalog:  cat,
		sessions: noopInvalidator{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetSessionInvalidator attaches the session manager. Must be called
// before any backend starts.
func (r *Registry) SetSessionInvalidator(si SessionInvalidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = si
}

// RegisterOrUpdate registers a backend descriptor or reconciles an
// existing one. Idempotent: an identical descriptor is a no-op, so the
// config loader may call this repeatedly. A changed descriptor for a
// running backend stops the old connection and starts a new one; there
// is never a moment with two connections for the same name. Newly
// registered backends stay Stopped until StartAll or RestartBackend.
func (r *Registry) RegisterOrUpdate(ctx context.Context, cfg config.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	e, exists := r.entries[cfg.Name]
	if !exists {
		e = &entry{cfg: cfg, state: mux.StateStopped}
		r.entries[cfg.Name] = e
	}
	r.mu.Unlock()

	if !exists {
		logger.Infow("backend registered", "backend", cfg.Name, "transport", cfg.Transport)
		return nil
	}

	e.mu.Lock()
	unchanged := e.cfg.Equal(&cfg)
	wasRunning := e.state != mux.StateStopped && e.state != mux.StateFailed
	e.mu.Unlock()
	if unchanged {
		logger.Debugw("backend descriptor unchanged, skipping", "backend", cfg.Name)
		return nil
	}

	logger.Infow("backend descriptor changed, reconciling", "backend", cfg.Name)
	r.stopEntry(e)
	e.mu.Lock()
	e.cfg = cfg
	e.retryCount = 0
	e.mu.Unlock()

	if !wasRunning || !cfg.IsEnabled() {
		return nil
	}
	return r.startEntry(ctx, e)
}

// RemoveBackend stops a backend and forgets its descriptor. Session
// handles to it are torn down; handles to other backends are untouched.
func (r *Registry) RemoveBackend(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend %q not found", name)
	}

	r.stopEntry(e)
	logger.Infow("backend removed", "backend", name)
	return nil
}

// RestartBackend is the explicit operator action that revives a Failed
// backend (or bounces any other). It resets the retry budget.
func (r *Registry) RestartBackend(ctx context.Context, name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("backend %q not found", name)
	}

	r.stopEntry(e)
	e.mu.Lock()
	e.retryCount = 0
	enabled := e.cfg.IsEnabled()
	e.mu.Unlock()
	if !enabled {
		return fmt.Errorf("backend %q is disabled", name)
	}
	return r.startEntry(ctx, e)
}

// StartAll starts every enabled backend in parallel. Individual launch
// failures are absorbed into the per-backend retry machinery; one bad
// backend never prevents the others from coming up.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.mu.Lock()
			startable := e.state == mux.StateStopped && e.cfg.IsEnabled()
			name := e.cfg.Name
			e.mu.Unlock()
			if !startable {
				return nil
			}
			if err := r.startEntry(ctx, e); err != nil {
				logger.Warnw("backend failed to start", "backend", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops every backend and cancels background work. Sessions
// are invalidated before transports close.
func (r *Registry) Shutdown() {
	r.cancel()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			r.stopEntry(e)
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("all backends stopped")
}

// lookup fetches an entry by name.
func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// State returns the lifecycle state of one backend.
func (r *Registry) State(name string) (mux.BackendState, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Backends returns the names of all registered backends, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// BackendStatus is a read-only view of one backend for observability.
type BackendStatus struct {
	Name       string           `json:"name"`
	State      mux.BackendState `json:"state"`
	Enabled    bool             `json:"enabled"`
	LastError  string           `json:"last_error,omitempty"`
	RetryCount int              `json:"retry_count"`
	Generation uint64           `json:"generation"`
	ReadySince time.Time        `json:"ready_since,omitzero"`
	Tools      int              `json:"tools"`
	Resources  int              `json:"resources"`
	Prompts    int              `json:"prompts"`
}

// Status returns a point-in-time snapshot of every backend.
func (r *Registry) Status() []BackendStatus {
	names := r.Backends()
	statuses := make([]BackendStatus, 0, len(names))
	for _, name := range names {
		e, ok := r.lookup(name)
		if !ok {
			continue
		}
		e.mu.Lock()
		st := BackendStatus{
			Name:       e.cfg.Name,
			State:      e.state,
			Enabled:    e.cfg.IsEnabled(),
			RetryCount: e.retryCount,
			Generation: e.generation,
			ReadySince: e.readySince,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		st.Tools, st.Resources, st.Prompts = r.catalog.Counts(name)
		statuses = append(statuses, st)
	}
	return statuses
}
