package server

import (
	"fmt"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux/session"
)

// sessionIDAdapter exposes the session manager through the mark3labs
// SDK's SessionIdManager interface. Session storage, TTL and cleanup
// are entirely ours; the SDK only calls Generate, Validate and
// Terminate during MCP protocol flows:
//
//  1. Generate: client sent initialize without an Mcp-Session-Id header
//  2. Validate: every subsequent request carries the header
//  3. Terminate: client sent HTTP DELETE to end the session
type sessionIDAdapter struct {
	manager *session.Manager
}

func newSessionIDAdapter(manager *session.Manager) *sessionIDAdapter {
	return &sessionIDAdapter{manager: manager}
}

// Generate mints a session ID and registers the session. Per the MCP
// spec the ID must be globally unique and contain only visible ASCII.
func (a *sessionIDAdapter) Generate() string {
	id := session.NewSessionID()
	a.manager.GetOrCreate(id)
	logger.Debugw("generated MCP session", "session_id", id)
	return id
}

// Validate reports whether a session exists. An unknown ID gets an
// error so the SDK answers 404, covering both "never existed" and
// "expired and swept".
func (a *sessionIDAdapter) Validate(id string) (isTerminated bool, err error) {
	if id == "" {
		return false, fmt.Errorf("empty session ID")
	}
	if _, ok := a.manager.Get(id); !ok {
		return false, fmt.Errorf("session not found")
	}
	return false, nil
}

// Terminate ends a session on client request. Terminating an unknown
// session succeeds: the client may be deleting one that already
// expired.
func (a *sessionIDAdapter) Terminate(id string) (isNotAllowed bool, err error) {
	if id == "" {
		return false, fmt.Errorf("empty session ID")
	}
	a.manager.Close(id)
	return false, nil
}
