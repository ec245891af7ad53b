package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
)

// startEntry drives one backend from Stopped (or Failed) to Ready. On
// failure the initial attempt hands off to the reconnect supervisor
// rather than failing the caller: startup errors and runtime errors
// share one retry budget.
func (r *Registry) startEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	switch e.state {
	case mux.StateStopped, mux.StateFailed:
	default:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("backend %q cannot start from state %s", e.cfg.Name, state)
	}
	e.state = mux.StateStarting
	name := e.cfg.Name
	e.mu.Unlock()

	if err := r.connect(ctx, e); err != nil {
		logger.Warnw("initial connection failed, scheduling retries", "backend", name, "error", err)
		r.superviseReconnect(e)
		return err
	}
	return nil
}

// connect performs a single open-and-negotiate attempt. The entry lock
// is held only for state transitions: the dial and handshake run
// without it, so readers (Acquire, State, Status) fail fast while an
// attempt is in flight instead of queueing on the mutex. The attempt
// commits only if no stop or newer attempt superseded it meanwhile.
func (r *Registry) connect(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.handle != nil {
		// A previous connection was never torn down. Close it first so
		// the single-connection invariant holds.
		_ = e.handle.Close()
		e.handle = nil
	}
	cfg := e.cfg
	e.connectSeq++
	token := e.connectSeq
	e.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Timeout.Duration())
	defer cancel()

	handle, err := r.opener.Open(openCtx, &cfg)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return fmt.Errorf("%w: backend %s: %w", mux.ErrLaunchFailed, cfg.Name, err)
	}

	e.mu.Lock()
	if e.connectSeq == token && e.state == mux.StateStarting {
		// Reconnecting backends stay Degraded through the handshake.
		e.state = mux.StateNegotiating
	}
	e.mu.Unlock()

	caps, err := handle.Negotiate(openCtx)
	if err != nil {
		_ = handle.Close()
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return fmt.Errorf("%w: backend %s: %w", mux.ErrNegotiationFailed, cfg.Name, err)
	}

	e.mu.Lock()
	if e.connectSeq != token || ctx.Err() != nil {
		// A stop or a newer attempt took over while the dial was in
		// flight; that path owns the entry now.
		e.mu.Unlock()
		_ = handle.Close()
		return fmt.Errorf("connection attempt for backend %s superseded", cfg.Name)
	}

	e.handle = handle
	e.generation++
	e.state = mux.StateReady
	e.lastErr = nil
	e.readySince = time.Now()

	r.catalog.SetBackend(cfg.Name, cfg.Namespace, caps)
	logger.Infow("backend ready",
		"backend", cfg.Name,
		"generation", e.generation,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"prompts", len(caps.Prompts))
	e.mu.Unlock()
	return nil
}

// stopEntry tears a backend down to Stopped. The order is fixed:
// sessions are invalidated before the transport closes, so no handle
// observes a half-dead connection, and the catalog entries go last.
func (r *Registry) stopEntry(e *entry) {
	e.mu.Lock()
	e.connectSeq++
	if e.reconnect != nil {
		e.reconnect.cancel()
		e.reconnect = nil
	}
	if e.state == mux.StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = mux.StateStopping
	name := e.cfg.Name
	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	r.sessionInvalidator().InvalidateBackend(name)
	if handle != nil {
		if err := handle.Close(); err != nil {
			logger.Warnw("error closing backend transport", "backend", name, "error", err)
		}
	}

	e.mu.Lock()
	e.state = mux.StateStopped
	e.readySince = time.Time{}
	e.mu.Unlock()

	r.catalog.RemoveBackend(name)
}

// MarkDegraded transitions a Ready backend to Degraded and kicks off
// reconnection. Called by the health monitor and by the dispatch path
// when an I/O error looks like a dead connection. Calls for a backend
// that is not Ready are ignored so concurrent failure reports collapse
// into one reconnect loop.
func (r *Registry) MarkDegraded(name string, cause error) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state != mux.StateReady {
		e.mu.Unlock()
		return
	}
	e.state = mux.StateDegraded
	e.lastErr = cause

	// A backend that held Ready long enough earns a fresh retry budget.
	if !e.readySince.IsZero() && time.Since(e.readySince) >= e.cfg.Retry.ResetAfter.Duration() {
		e.retryCount = 0
	}
	e.readySince = time.Time{}

	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	logger.Warnw("backend degraded", "backend", name, "error", cause)

	r.sessionInvalidator().InvalidateBackend(name)
	if handle != nil {
		_ = handle.Close()
	}

	r.superviseReconnect(e)
}

// superviseReconnect runs the retry loop for one backend in a
// goroutine. Attempts use exponential backoff between the configured
// base and max delays; when the remaining budget is exhausted the
// backend lands in Failed and stays there until RestartBackend.
func (r *Registry) superviseReconnect(e *entry) {
	e.mu.Lock()
	if e.reconnect != nil {
		// A loop is already running for this backend.
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	loop := &reconnectLoop{cancel: cancel}
	e.reconnect = loop
	name := e.cfg.Name
	retryCfg := e.cfg.Retry
	remaining := retryCfg.MaxAttempts - e.retryCount
	e.mu.Unlock()

	clearLoop := func() {
		cancel()
		e.mu.Lock()
		if e.reconnect == loop {
			e.reconnect = nil
		}
		e.mu.Unlock()
	}

	if remaining <= 0 {
		r.failEntry(e, errors.New("retry budget exhausted"))
		clearLoop()
		return
	}

	go func() {
		defer clearLoop()

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = retryCfg.BaseDelay.Duration()
		expBackoff.MaxInterval = retryCfg.MaxDelay.Duration()
		expBackoff.Reset()

		operation := func() (struct{}, error) {
			e.mu.Lock()
			e.retryCount++
			attempt := e.retryCount
			e.mu.Unlock()
			logger.Infow("reconnecting backend", "backend", name, "attempt", attempt)
			return struct{}{}, r.connect(ctx, e)
		}

		_, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxTries(uint(remaining)),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Warnw("reconnect attempt failed",
					"backend", name, "error", err, "next_attempt_in", next)
			}))
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown or explicit stop raced the loop; the stop
				// path owns the final state.
				return
			}
			r.failEntry(e, err)
		}
	}()
}

// failEntry parks a backend in Failed. Its catalog entries are removed
// so the capability surface shrinks; sessions were already invalidated
// when the backend degraded.
func (r *Registry) failEntry(e *entry, cause error) {
	e.mu.Lock()
	e.state = mux.StateFailed
	e.lastErr = cause
	name := e.cfg.Name
	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	r.catalog.RemoveBackend(name)
	logger.Errorw("backend failed, manual restart required", "backend", name, "error", cause)
}

func (r *Registry) sessionInvalidator() SessionInvalidator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions
}
