// Package config provides the configuration model for the mcpmux
// proxy.
//
// The model is consumed by the registry: each backend entry becomes an
// immutable descriptor. A config reload produces new descriptor values
// and a registry reconciliation; descriptors are never mutated in
// place.
package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mcpmux/mcpmux/pkg/mux"
)

// Duration wraps time.Duration so YAML/JSON values are written as
// duration strings ("30s", "1m") instead of nanosecond integers.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for gopkg.in/yaml.v3.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level mcpmux configuration.
type Config struct {
	// Name is the server name advertised to MCP clients.
	Name string `yaml:"name"`

	// Version is the server version advertised to MCP clients.
	Version string `yaml:"version"`

	// Host is the listen address for the client-facing HTTP server.
	Host string `yaml:"host"`

	// Port is the listen port for the client-facing HTTP server.
	Port int `yaml:"port"`

	// EndpointPath is the MCP endpoint path (default /mcp).
	EndpointPath string `yaml:"endpoint_path"`

	// Backends are the backend MCP servers to aggregate.
	Backends []BackendConfig `yaml:"backends"`

	// Health configures the liveness monitor.
	Health HealthConfig `yaml:"health"`

	// SessionTTL is how long an idle client session is kept before the
	// sweeper reclaims it.
	SessionTTL Duration `yaml:"session_ttl"`
}

// BackendConfig describes one backend MCP server. Values are immutable
// after load.
type BackendConfig struct {
	// Name is the unique key for this backend.
	Name string `yaml:"name"`

	// Transport selects the channel: stdio, streamable-http, or sse.
	Transport mux.TransportKind `yaml:"transport"`

	// Command and Args are the launch spec for stdio backends.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// URL is the endpoint for network backends.
	URL string `yaml:"url,omitempty"`

	// Env are extra environment variables for spawned processes. They
	// are merged over the proxy's own environment; descriptor values
	// win on conflict.
	Env map[string]string `yaml:"env,omitempty"`

	// Namespace, when set, unconditionally prefixes every capability
	// name this backend exposes.
	Namespace string `yaml:"namespace,omitempty"`

	// Enabled gates the backend. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Timeout bounds each request forwarded to this backend.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Retry configures the reconnection policy for this backend.
	Retry RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig is the reconnection backoff policy for a backend.
type RetryConfig struct {
	// BaseDelay is the initial backoff delay.
	BaseDelay Duration `yaml:"base_delay,omitempty"`

	// MaxDelay caps the backoff delay.
	MaxDelay Duration `yaml:"max_delay,omitempty"`

	// MaxAttempts is the retry budget before the backend is marked
	// failed. Zero means use the default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// ResetAfter is the sustained ready period after which the retry
	// counter is reset. Guards against flapping backends consuming the
	// budget one failure at a time.
	ResetAfter Duration `yaml:"reset_after,omitempty"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// Interval is how often each backend is pinged.
	Interval Duration `yaml:"interval,omitempty"`

	// Timeout bounds a single liveness check.
	Timeout Duration `yaml:"timeout,omitempty"`

	// FailureThreshold is the number of consecutive failed checks
	// before a backend is marked degraded.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
}

// IsEnabled reports whether the backend should be started.
func (b *BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Equal reports whether two backend descriptors are identical. The
// registry uses this to make RegisterOrUpdate idempotent: an unchanged
// descriptor is a no-op, never a restart.
func (b *BackendConfig) Equal(other *BackendConfig) bool {
	if other == nil {
		return false
	}
	return b.Name == other.Name &&
		b.Transport == other.Transport &&
		b.Command == other.Command &&
		slices.Equal(b.Args, other.Args) &&
		b.URL == other.URL &&
		maps.Equal(b.Env, other.Env) &&
		b.Namespace == other.Namespace &&
		b.IsEnabled() == other.IsEnabled() &&
		b.Timeout == other.Timeout &&
		b.Retry == other.Retry
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Validate checks a single backend descriptor.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	switch b.Transport {
	case mux.TransportStdio:
		if b.Command == "" {
			return fmt.Errorf("backend %s: stdio transport requires a command", b.Name)
		}
	case mux.TransportStreamableHTTP, mux.TransportSSE:
		if b.URL == "" {
			return fmt.Errorf("backend %s: %s transport requires a url", b.Name, b.Transport)
		}
	case "":
		return fmt.Errorf("backend %s: transport is required", b.Name)
	default:
		return fmt.Errorf("backend %s: unsupported transport %q (supported: stdio, streamable-http, sse)",
			b.Name, b.Transport)
	}
	if b.Timeout < 0 {
		return fmt.Errorf("backend %s: timeout must not be negative", b.Name)
	}
	return nil
}
