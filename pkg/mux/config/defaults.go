package config

import "time"

// Default values applied by ApplyDefaults. Retry defaults follow the
// usual exponential backoff shape: start fast, cap at half a minute.
const (
	DefaultName         = "mcpmux"
	DefaultVersion      = "0.1.0"
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 4488
	DefaultEndpointPath = "/mcp"

	DefaultTimeout    = 30 * time.Second
	DefaultSessionTTL = 30 * time.Minute

	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultRetryMaxAttempts = 5
	DefaultRetryResetAfter  = time.Minute

	DefaultHealthInterval         = 30 * time.Second
	DefaultHealthTimeout          = 5 * time.Second
	DefaultHealthFailureThreshold = 3
)

// ApplyDefaults fills in zero-valued fields. Called after load, before
// validation, so a minimal config file is enough to run.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.EndpointPath == "" {
		c.EndpointPath = DefaultEndpointPath
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = Duration(DefaultHealthInterval)
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = DefaultHealthFailureThreshold
	}
	for i := range c.Backends {
		c.Backends[i].applyDefaults()
	}
}

func (b *BackendConfig) applyDefaults() {
	if b.Timeout == 0 {
		b.Timeout = Duration(DefaultTimeout)
	}
	if b.Retry.BaseDelay == 0 {
		b.Retry.BaseDelay = Duration(DefaultRetryBaseDelay)
	}
	if b.Retry.MaxDelay == 0 {
		b.Retry.MaxDelay = Duration(DefaultRetryMaxDelay)
	}
	if b.Retry.MaxAttempts == 0 {
		b.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if b.Retry.ResetAfter == 0 {
		b.Retry.ResetAfter = Duration(DefaultRetryResetAfter)
	}
}
