// Package server exposes the unified MCP surface over streamable HTTP.
//
// The server publishes the aggregated capability catalog through the
// mark3labs SDK and routes incoming tool, resource and prompt requests
// through the session manager to backend connections. Observability
// endpoints sit on the same listener next to the MCP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
	"github.com/mcpmux/mcpmux/pkg/mux/session"
	"github.com/mcpmux/mcpmux/pkg/mux/status"
)

const (
	// defaultReadHeaderTimeout limits the time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire
	// request, including body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out
	// writes of the response.
	defaultWriteTimeout = 30 * time.Second

	// defaultIdleTimeout is the keep-alive idle limit.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes caps request header size at 1 MB.
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout bounds graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second
)

// Config holds the frontend server configuration.
type Config struct {
	// Name is the server name exposed in the MCP initialize response.
	Name string

	// Version is the server version.
	Version string

	// Host is the bind address.
	Host string

	// Port is the bind port. Port 0 binds a random port, which tests
	// rely on.
	Port int

	// EndpointPath is the MCP endpoint path.
	EndpointPath string
}

// Server is the aggregation frontend.
type Server struct {
	config *Config

	mcpServer  *sdkserver.MCPServer
	httpServer *http.Server

	listener   net.Listener
	listenerMu sync.RWMutex

	sessions *session.Manager
	reporter *status.Reporter

	// publishMu serializes catalog publication; publishedResources and
	// publishedPrompts track what the SDK currently holds, since it has
	// no bulk replace for those kinds.
	publishMu          sync.Mutex
	publishedResources map[string]bool
	publishedPrompts   map[string]bool

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates the frontend and subscribes it to catalog updates. Every
// snapshot the catalog publishes from then on is pushed into the SDK.
func New(cfg *Config, cat *catalog.Catalog, sessions *session.Manager, reporter *status.Reporter) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if cfg.Name == "" {
		cfg.Name = "mcpmux"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}

	mcpServer := sdkserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		sdkserver.WithToolCapabilities(true),
		sdkserver.WithResourceCapabilities(false, true),
		sdkserver.WithPromptCapabilities(true),
		sdkserver.WithLogging(),
	)

	srv := &Server{
		config:             cfg,
		mcpServer:          mcpServer,
		sessions:           sessions,
		reporter:           reporter,
		publishedResources: make(map[string]bool),
		publishedPrompts:   make(map[string]bool),
		ready:              make(chan struct{}),
	}

	srv.publish(cat.Snapshot())
	cat.Subscribe(srv.publish)
	return srv
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	sessionAdapter := newSessionIDAdapter(s.sessions)
	streamableServer := sdkserver.NewStreamableHTTPServer(
		s.mcpServer,
		sdkserver.WithEndpointPath(s.config.EndpointPath),
		sdkserver.WithSessionIdManager(sessionAdapter),
	)

	httpMux := http.NewServeMux()
	httpMux.Handle("/healthz", s.reporter.HealthzHandler())
	httpMux.Handle("/statusz", s.reporter.StatuszHandler())
	httpMux.Handle("/", streamableServer)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           httpMux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("serving MCP at %s%s", listener.Addr(), s.config.EndpointPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down server")
		return s.Stop(context.Background())
	case err := <-errCh:
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully shuts the frontend down.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping server")

	var errs []error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	s.sessions.Stop()
	return errors.Join(errs...)
}

// Address returns the actual listen address, resolving port 0 binds.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Ready returns a channel closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}
