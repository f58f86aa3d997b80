package config

import (
	"fmt"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
)

// Config holds global deskgate configuration.
type Config struct {
	// DataDir is the base directory for persistent data (registry database).
	DataDir string `json:"data_dir"`
	// RunDir holds runtime state: daemon lock, PID file, state file.
	RunDir string `json:"run_dir"`

	// Listen is the edge server bind address.
	Listen string `json:"listen"`
	// ProxyDomain is the apex under which per-instance host labels live,
	// e.g. "desktop.example.org" serves "<proxy_path>.desktop.example.org".
	ProxyDomain string `json:"proxy_domain"`
	// DesktopRoot is the path prefix desktops are served under ("/desktop").
	DesktopRoot string `json:"desktop_root"`
	// CORSOrigins lists allowed origins for the management API.
	CORSOrigins []string `json:"cors_origins"`
	// APIKey guards the front-proxy target lookup endpoint. Empty disables it.
	APIKey string `json:"api_key"`

	// PortMin/PortMax bound the host port range handed to instances.
	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`
	// ContainerPort is the in-container port every desktop image listens on.
	ContainerPort int `json:"container_port"`
	// ShmSize is the shared memory size for created containers ("512m").
	ShmSize string `json:"shm_size"`

	// BackendScheme is http or https; desktop images ship self-signed TLS.
	BackendScheme string `json:"backend_scheme"`
	// BackendHost is where published instance ports are reachable.
	BackendHost string `json:"backend_host"`
	// VerifyBackendTLS enables certificate verification toward instances.
	// Off by default: loopback backends use per-instance self-signed certs.
	VerifyBackendTLS bool `json:"verify_backend_tls"`
	// VNCUser/VNCPassword are injected as basic auth on every relayed request.
	VNCUser     string `json:"vnc_user"`
	VNCPassword string `json:"vnc_password"`

	ConnectTimeoutSeconds   int `json:"connect_timeout_seconds"`
	StopTimeoutSeconds      int `json:"stop_timeout_seconds"`
	RelayAttempts           int `json:"relay_attempts"`
	RelayBaseBackoffSeconds int `json:"relay_base_backoff_seconds"`
	RelayBackoffCapSeconds  int `json:"relay_backoff_cap_seconds"`
	MonitorIntervalSeconds  int `json:"monitor_interval_seconds"`
	IdleTimeoutMinutes      int `json:"idle_timeout_minutes"`
	RetentionMinutes        int `json:"retention_minutes"`
	SessionTTLHours         int `json:"session_ttl_hours"`

	// Engine configures the container engine API endpoint.
	Engine EngineConfig `json:"engine"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/deskgate",
		RunDir:  "/run/deskgate",

		Listen:      ":5020",
		ProxyDomain: "desktop.example.org",
		DesktopRoot: "/desktop",

		PortMin:       7000,
		PortMax:       8000,
		ContainerPort: 6901,
		ShmSize:       "512m",

		BackendScheme: "https",
		BackendHost:   "127.0.0.1",
		VNCUser:       "kasm_user",
		VNCPassword:   "password",

		ConnectTimeoutSeconds:   10,
		StopTimeoutSeconds:      10,
		RelayAttempts:           5,
		RelayBaseBackoffSeconds: 2,
		RelayBackoffCapSeconds:  16,
		MonitorIntervalSeconds:  60,
		IdleTimeoutMinutes:      360,
		RetentionMinutes:        60,
		SessionTTLHours:         12,

		Engine: EngineConfig{
			Socket:     "/var/run/docker.sock",
			APIVersion: "v1.43",
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate rejects configurations the allocator or relay cannot operate on.
func (c *Config) Validate() error {
	if c.PortMin <= 0 || c.PortMax < c.PortMin {
		return fmt.Errorf("invalid port range [%d, %d]", c.PortMin, c.PortMax)
	}
	if c.BackendScheme != "http" && c.BackendScheme != "https" {
		return fmt.Errorf("invalid backend_scheme %q", c.BackendScheme)
	}
	if c.RelayAttempts <= 0 {
		return fmt.Errorf("relay_attempts must be positive")
	}
	if _, err := units.RAMInBytes(c.ShmSize); err != nil {
		return fmt.Errorf("invalid shm_size %q: %w", c.ShmSize, err)
	}
	return nil
}

// ShmBytes returns ShmSize parsed into bytes ("512m" -> 536870912).
func (c *Config) ShmBytes() int64 {
	n, err := units.RAMInBytes(c.ShmSize)
	if err != nil {
		return 0
	}
	return n
}

// DBPath returns the registry SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "deskgate.db")
}

// LockPath returns the daemon flock path.
func (c *Config) LockPath() string {
	return filepath.Join(c.RunDir, "deskgate.lock")
}

// PIDPath returns the daemon PID file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.RunDir, "deskgate.pid")
}

// StatePath returns the daemon state file path, written on startup for
// ops tooling (listen address, pid, started_at).
func (c *Config) StatePath() string {
	return filepath.Join(c.RunDir, "deskgate.json")
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c *Config) RelayBaseBackoff() time.Duration {
	return time.Duration(c.RelayBaseBackoffSeconds) * time.Second
}

func (c *Config) RelayBackoffCap() time.Duration {
	return time.Duration(c.RelayBackoffCapSeconds) * time.Second
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
