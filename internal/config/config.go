// Package config holds the plain Go structs the core is handed at startup,
// plus Load, a minimal JSON-file reader for the binary's entry point. It
// does not read environment variables or flags.
package config

import "time"

// Config is everything the core needs to start. It is passed to the core as
// a plain struct; Load builds one from a JSON file, and the core packages
// that consume it never read a file or an env var themselves.
type Config struct {
	Home string `json:"home"`

	Sockets    SocketsConfig     `json:"sockets"`
	Data       DataConfig        `json:"data"`
	Plugins    PluginsConfig     `json:"plugins"`
	Runtime    RuntimeConfig     `json:"runtime"`
	Sessions   SessionsConfig    `json:"sessions"`
	RateLimit  RateLimitConfig   `json:"rate_limit"`
	Confirm    ConfirmConfig     `json:"confirm"`
	MCPServers []MCPServerConfig `json:"mcp_servers"`
	LogLevel   string            `json:"log_level"`
}

// MCPServerConfig names one external MCP tool-provider server to bridge
// into the catalog at startup (see internal/mcpbridge).
type MCPServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
}

// SocketsConfig names the two UDS paths.
type SocketsConfig struct {
	Dir          string `json:"dir"`
	RequestsFile string `json:"requests_file"` // default "requests.sock"
	EventsFile   string `json:"events_file"`   // default "events.sock"
}

// DataConfig names the two SQLite files.
type DataConfig struct {
	Dir            string        `json:"dir"`
	AuditFile      string        `json:"audit_file"`       // default "audit.sqlite"
	SessionsFile   string        `json:"sessions_file"`    // default "claude-sessions.sqlite"
	ResumeTokenTTL time.Duration `json:"resume_token_ttl"` // default 24h
}

// PluginsConfig names the bundle discovery roots.
type PluginsConfig struct {
	Roots       []string      `json:"roots"`
	InitTimeout time.Duration `json:"init_timeout"` // default 10s
}

// RuntimeConfig configures the container lifecycle manager.
type RuntimeConfig struct {
	Image              string        `json:"image"`
	NetworkAllowlist   []string      `json:"network_allowlist"`
	MaxPerGroup        int           `json:"max_per_group"`        // default 1
	SpawnQueueCapacity int           `json:"spawn_queue_capacity"` // default 8
	StopTimeout        time.Duration `json:"stop_timeout"`         // default 10s
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	GroupCap int `json:"group_cap"` // default 3
}

// RateLimitConfig configures the default token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"` // default 60
	BurstSize         int `json:"burst_size"`          // default 10
}

// ConfirmConfig configures the confirmation gate.
type ConfirmConfig struct {
	Timeout time.Duration `json:"timeout"` // default 5m
}

// HandlerTimeout is the per-tool dispatch deadline default.
const HandlerTimeout = 30 * time.Second

// applyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Sockets.RequestsFile == "" {
		c.Sockets.RequestsFile = "requests.sock"
	}
	if c.Sockets.EventsFile == "" {
		c.Sockets.EventsFile = "events.sock"
	}
	if c.Data.AuditFile == "" {
		c.Data.AuditFile = "audit.sqlite"
	}
	if c.Data.SessionsFile == "" {
		c.Data.SessionsFile = "claude-sessions.sqlite"
	}
	if c.Data.ResumeTokenTTL == 0 {
		c.Data.ResumeTokenTTL = 24 * time.Hour
	}
	if c.Plugins.InitTimeout == 0 {
		c.Plugins.InitTimeout = 10 * time.Second
	}
	if c.Runtime.MaxPerGroup == 0 {
		c.Runtime.MaxPerGroup = 1
	}
	if c.Runtime.SpawnQueueCapacity == 0 {
		c.Runtime.SpawnQueueCapacity = 8
	}
	if c.Runtime.StopTimeout == 0 {
		c.Runtime.StopTimeout = 10 * time.Second
	}
	if c.Sessions.GroupCap == 0 {
		c.Sessions.GroupCap = 3
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = 10
	}
	if c.Confirm.Timeout == 0 {
		c.Confirm.Timeout = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// WithDefaults returns a copy of c with every zero-valued field set to
// its documented default.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}
