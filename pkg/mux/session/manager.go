// Package session tracks per-client state on the unified surface.
//
// Each connected client gets one Session keyed by its session ID.
// Sessions hold generation-bound backend handles: a handle records
// which connection generation the session last spoke to, so a backend
// restart under a live session is detected on the next call instead of
// silently landing on a fresh process. Client A's handles are invisible
// to client B; errors binding one session to a backend never leak into
// another session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/router"
)

// Dispatcher forwards generation-bound calls to backends. Implemented
// by the registry.
type Dispatcher interface {
	Acquire(backend string) (uint64, error)
	CallTool(ctx context.Context, backend string, generation uint64, tool string, args map[string]any) (*mux.ToolCallResult, error)
	ReadResource(ctx context.Context, backend string, generation uint64, uri string) (*mux.ResourceReadResult, error)
	GetPrompt(ctx context.Context, backend string, generation uint64, prompt string, args map[string]string) (*mux.PromptGetResult, error)
}

// handle binds one session to one backend connection generation.
type handle struct {
	backend    string
	generation uint64
}

// Session is the per-client state for one connection to the unified
// surface.
type Session struct {
	mu sync.Mutex

	id         string
	createdAt  time.Time
	lastActive time.Time

	// closed marks a session torn down by Terminate or the sweep. A
	// request that resolved the session before teardown fails its next
	// acquire instead of writing into a dead session.
	closed bool

	// handles maps backend name to this session's binding. Populated
	// lazily on first dispatch to each backend.
	handles map[string]*handle
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// touch refreshes the idle clock.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Manager owns all client sessions and dispatches their requests.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	router     router.Router
	dispatcher Dispatcher
	ttl        time.Duration

	// now is replaceable in tests.
	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a session manager. Sessions idle longer than ttl
// are swept once Run is started; a zero ttl disables sweeping.
func NewManager(rt router.Router, d Dispatcher, ttl time.Duration) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		router:     rt,
		dispatcher: d,
		ttl:        ttl,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// GetOrCreate returns the session for id, creating it on first use.
func (m *Manager) GetOrCreate(id string) *Session {
	now := m.now()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch(now)
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.touch(now)
		return s
	}
	s = &Session{
		id:         id,
		createdAt:  now,
		lastActive: now,
		handles:    make(map[string]*handle),
	}
	m.sessions[id] = s
	logger.Debugw("session created", "session_id", id)
	return s
}

// Get returns the session for id if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down one session. Handle release is best effort: backend
// connections are shared, so there is nothing to close per session,
// only bindings to forget.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	n := len(s.handles)
	clear(s.handles)
	s.mu.Unlock()
	logger.Debugw("session closed", "session_id", id, "handles_released", n)
}

// InvalidateBackend drops every session's binding to one backend. The
// next dispatch through any affected session re-acquires against the
// new connection. Bindings to other backends are untouched.
func (m *Manager) InvalidateBackend(backend string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	invalidated := 0
	for _, s := range sessions {
		s.mu.Lock()
		if _, ok := s.handles[backend]; ok {
			delete(s.handles, backend)
			invalidated++
		}
		s.mu.Unlock()
	}
	if invalidated > 0 {
		logger.Infow("invalidated session handles", "backend", backend, "sessions", invalidated)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps idle sessions until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	interval := m.ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sweep removes sessions idle beyond the TTL.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.lastActive.Before(cutoff) {
			s.closed = true
			clear(s.handles)
			expired = append(expired, id)
		}
		s.mu.Unlock()
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		logger.Infow("swept idle sessions", "count", len(expired))
	}
}

// acquire returns the session's binding to a backend, creating one
// against the current connection generation if needed.
func (s *Session) acquire(d Dispatcher, backend string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session %s is closed", mux.ErrSessionInvalidated, s.id)
	}
	if h, ok := s.handles[backend]; ok {
		return h, nil
	}
	gen, err := d.Acquire(backend)
	if err != nil {
		return nil, err
	}
	h := &handle{backend: backend, generation: gen}
	s.handles[backend] = h
	return h, nil
}

// drop forgets the session's binding to a backend.
func (s *Session) drop(backend string) {
	s.mu.Lock()
	delete(s.handles, backend)
	s.mu.Unlock()
}

// dispatch runs one generation-bound call with a single transparent
// re-acquire. A generation mismatch means the backend restarted since
// this session last spoke to it; the stale binding is dropped, a fresh
// one is acquired, and the call retries exactly once. A second
// invalidation surfaces to the client.
func dispatch[T any](ctx context.Context, m *Manager, s *Session, backend string, call func(generation uint64) (T, error)) (T, error) {
	var zero T
	s.touch(m.now())

	h, err := s.acquire(m.dispatcher, backend)
	if err != nil {
		return zero, err
	}

	result, err := call(h.generation)
	if err == nil || !errors.Is(err, mux.ErrSessionInvalidated) {
		return result, err
	}

	logger.Debugw("stale backend handle, re-acquiring",
		"session_id", s.id, "backend", backend, "generation", h.generation)
	s.drop(backend)
	h, err = s.acquire(m.dispatcher, backend)
	if err != nil {
		return zero, err
	}
	result, err = call(h.generation)
	if err != nil && errors.Is(err, mux.ErrSessionInvalidated) {
		s.drop(backend)
		return zero, fmt.Errorf("%w: backend %s reset repeatedly during request", mux.ErrSessionInvalidated, backend)
	}
	return result, err
}

// CallTool resolves a qualified tool name and forwards the invocation
// through the session's backend handle.
func (m *Manager) CallTool(ctx context.Context, sessionID, name string, args map[string]any) (*mux.ToolCallResult, error) {
	target, err := m.router.ResolveTool(ctx, name)
	if err != nil {
		return nil, err
	}
	s := m.GetOrCreate(sessionID)
	return dispatch(ctx, m, s, target.Backend, func(gen uint64) (*mux.ToolCallResult, error) {
		return m.dispatcher.CallTool(ctx, target.Backend, gen, target.ForwardName(), args)
	})
}

// ReadResource resolves a resource URI and forwards the read.
func (m *Manager) ReadResource(ctx context.Context, sessionID, uri string) (*mux.ResourceReadResult, error) {
	target, err := m.router.ResolveResource(ctx, uri)
	if err != nil {
		return nil, err
	}
	s := m.GetOrCreate(sessionID)
	return dispatch(ctx, m, s, target.Backend, func(gen uint64) (*mux.ResourceReadResult, error) {
		return m.dispatcher.ReadResource(ctx, target.Backend, gen, target.ForwardName())
	})
}

// GetPrompt resolves a qualified prompt name and forwards the request.
func (m *Manager) GetPrompt(ctx context.Context, sessionID, name string, args map[string]string) (*mux.PromptGetResult, error) {
	target, err := m.router.ResolvePrompt(ctx, name)
	if err != nil {
		return nil, err
	}
	s := m.GetOrCreate(sessionID)
	return dispatch(ctx, m, s, target.Backend, func(gen uint64) (*mux.PromptGetResult, error) {
		return m.dispatcher.GetPrompt(ctx, target.Backend, gen, target.ForwardName(), args)
	})
}
