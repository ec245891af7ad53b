package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("MCPMUX_TEST_TOKEN", "sekrit")
	os.Unsetenv("MCPMUX_TEST_MISSING")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "set variable",
			input: "token: ${MCPMUX_TEST_TOKEN}",
			want:  "token: sekrit",
		},
		{
			name:  "unset variable expands empty",
			input: "token: ${MCPMUX_TEST_MISSING}",
			want:  "token: ",
		},
		{
			name:  "unset variable with default",
			input: "host: ${MCPMUX_TEST_MISSING:-localhost}",
			want:  "host: localhost",
		},
		{
			name:  "set variable ignores default",
			input: "token: ${MCPMUX_TEST_TOKEN:-fallback}",
			want:  "token: sekrit",
		},
		{
			name:  "no variables",
			input: "plain text",
			want:  "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.input))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yamlData := `
name: test-mux
port: 9000
backends:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/data"]
    env:
      LOG_LEVEL: debug
  - name: web
    transport: streamable-http
    url: http://localhost:8080/mcp
    namespace: web
    timeout: 5s
`
	cfg, err := Load([]byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "test-mux", cfg.Name)
	assert.Equal(t, 9000, cfg.Port)
	require.Len(t, cfg.Backends, 2)

	files := cfg.Backends[0]
	assert.Equal(t, "files", files.Name)
	assert.Equal(t, "mcp-files", files.Command)
	assert.Equal(t, []string{"--root", "/data"}, files.Args)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, files.Env)
	assert.True(t, files.IsEnabled())
	assert.Equal(t, DefaultTimeout, files.Timeout.Duration(), "default timeout applied")

	web := cfg.Backends[1]
	assert.Equal(t, "web", web.Namespace)
	assert.Equal(t, 5*time.Second, web.Timeout.Duration(), "explicit timeout kept")

	// Global defaults.
	assert.Equal(t, DefaultHealthInterval, cfg.Health.Interval.Duration())
	assert.Equal(t, DefaultHealthFailureThreshold, cfg.Health.FailureThreshold)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL.Duration())
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.Backends[0].Retry.MaxAttempts)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte("name: x\nbogus_field: true\n"))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "stdio without command",
			yaml:    "backends:\n  - name: a\n    transport: stdio\n",
			wantErr: "requires a command",
		},
		{
			name:    "http without url",
			yaml:    "backends:\n  - name: a\n    transport: streamable-http\n",
			wantErr: "requires a url",
		},
		{
			name:    "unknown transport",
			yaml:    "backends:\n  - name: a\n    transport: smoke-signal\n",
			wantErr: "unsupported transport",
		},
		{
			name:    "missing transport",
			yaml:    "backends:\n  - name: a\n",
			wantErr: "transport is required",
		},
		{
			name:    "duplicate names",
			yaml:    "backends:\n  - name: a\n    transport: stdio\n    command: x\n  - name: a\n    transport: stdio\n    command: y\n",
			wantErr: "duplicate backend name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nbackends: []\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBackendConfigEqual(t *testing.T) {
	t.Parallel()

	base := func() BackendConfig {
		return BackendConfig{
			Name:      "a",
			Transport: "stdio",
			Command:   "srv",
			Args:      []string{"-v"},
			Env:       map[string]string{"K": "V"},
			Timeout:   Duration(10 * time.Second),
		}
	}

	a, b := base(), base()
	assert.True(t, a.Equal(&b))

	b = base()
	b.Args = []string{"-vv"}
	assert.False(t, a.Equal(&b))

	b = base()
	b.Env = map[string]string{"K": "other"}
	assert.False(t, a.Equal(&b))

	// Explicit true is equal to the implicit default.
	enabled := true
	b = base()
	b.Enabled = &enabled
	assert.True(t, a.Equal(&b))

	disabled := false
	b = base()
	b.Enabled = &disabled
	assert.False(t, a.Equal(&b))

	assert.False(t, a.Equal(nil))
}

func TestDurationYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]byte("session_ttl: 90s\nbackends: []\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL.Duration())

	_, err = Load([]byte("session_ttl: not-a-duration\nbackends: []\n"))
	require.Error(t, err)
}
